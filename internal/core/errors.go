package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrNoRefreshToken      = errors.New("no refresh token available")
	ErrRefreshRejected     = errors.New("token refresh rejected")
	ErrIndexOutOfRange     = errors.New("index out of range")
	ErrDragInProgress      = errors.New("a drag is already in progress")
	ErrNoActiveDrag        = errors.New("no drag in progress")
	ErrNoCurrentTrack      = errors.New("no current track")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrDeviceFailure       = errors.New("playback device failure")
	ErrMalformedResponse   = errors.New("malformed response")
	ErrPersistence         = errors.New("persistence failed")
)

// DeviceErrorCode classifies errors reported by the playback device.
type DeviceErrorCode int

const (
	DeviceErrorUnknown DeviceErrorCode = iota
	DeviceErrorResourceUnavailable
)

func (c DeviceErrorCode) String() string {
	switch c {
	case DeviceErrorResourceUnavailable:
		return "resource_unavailable"
	default:
		return "unknown"
	}
}

// unavailableResourceType is the device error type for tracks that cannot be played.
const unavailableResourceType = "4303"

// DeviceError is an error reported in a device response body.
type DeviceError struct {
	Type string
	Code DeviceErrorCode
}

// NewDeviceError classifies a raw device error type.
func NewDeviceError(errType string) *DeviceError {
	code := DeviceErrorUnknown
	if errType == unavailableResourceType {
		code = DeviceErrorResourceUnavailable
	}
	return &DeviceError{Type: errType, Code: code}
}

// NewUnavailableError builds the unavailable-resource error for devices
// that report missing tracks in their own terms.
func NewUnavailableError() *DeviceError {
	return NewDeviceError(unavailableResourceType)
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error %s (%s)", e.Type, e.Code)
}

// Is lets errors.Is match the sentinel for the error class.
func (e *DeviceError) Is(target error) bool {
	switch target {
	case ErrResourceUnavailable:
		return e.Code == DeviceErrorResourceUnavailable
	case ErrDeviceFailure:
		return true
	}
	return false
}
