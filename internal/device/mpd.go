package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fhs/gompd/v2/mpd"
	"go.uber.org/zap"

	"mixdeck/internal/core"
)

// MPD plays tracks through an MPD server. Playing a URI replaces the server's
// current playlist with that single track.
type MPD struct {
	mu       sync.Mutex
	client   *mpd.Client
	address  string
	password string
	logger   *zap.Logger
}

func NewMPD(address, password string, logger *zap.Logger) *MPD {
	return &MPD{
		address:  address,
		password: password,
		logger:   logger,
	}
}

// connectLocked establishes connection (must hold lock).
func (m *MPD) connectLocked() error {
	m.logger.Info("Connecting to MPD", zap.String("addr", m.address))

	client, err := mpd.DialAuthenticated("tcp", m.address, m.password)
	if err != nil {
		return fmt.Errorf("%w: connect to MPD: %v", core.ErrDeviceFailure, err)
	}

	m.client = client
	return nil
}

// ensureConnectedLocked pings the server and reconnects when the connection dropped.
func (m *MPD) ensureConnectedLocked() error {
	if m.client == nil {
		return m.connectLocked()
	}

	if err := m.client.Ping(); err != nil {
		m.logger.Warn("MPD connection lost, reconnecting", zap.Error(err))
		m.client.Close()
		m.client = nil
		return m.connectLocked()
	}
	return nil
}

func (m *MPD) Play(_ context.Context, uri string) (*core.DeviceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureConnectedLocked(); err != nil {
		return nil, err
	}

	if err := m.client.Clear(); err != nil {
		return nil, classifyMPDError("clear", err)
	}
	if err := m.client.Add(uri); err != nil {
		return nil, classifyMPDError("add", err)
	}
	if err := m.client.Play(0); err != nil {
		return nil, classifyMPDError("play", err)
	}
	return m.statusLocked()
}

func (m *MPD) Pause(_ context.Context) (*core.DeviceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureConnectedLocked(); err != nil {
		return nil, err
	}
	if err := m.client.Pause(true); err != nil {
		return nil, classifyMPDError("pause", err)
	}
	return m.statusLocked()
}

func (m *MPD) Status(_ context.Context) (*core.DeviceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureConnectedLocked(); err != nil {
		return nil, err
	}
	return m.statusLocked()
}

func (m *MPD) statusLocked() (*core.DeviceStatus, error) {
	attrs, err := m.client.Status()
	if err != nil {
		return nil, classifyMPDError("status", err)
	}

	status := &core.DeviceStatus{Playing: attrs["state"] == "play"}
	if status.Playing {
		if song, err := m.client.CurrentSong(); err == nil {
			status.TrackURI = song["file"]
		}
	}
	return status, nil
}

// Close closes the MPD connection.
func (m *MPD) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		err := m.client.Close()
		m.client = nil
		return err
	}
	return nil
}

// classifyMPDError maps "no such song/file" acknowledgements to the
// unavailable-resource device error.
func classifyMPDError(command string, err error) error {
	var ackErr *mpd.Error
	if errors.As(err, &ackErr) && ackErr.Code == mpd.ErrorNoExist {
		return core.NewUnavailableError()
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "no such") || strings.Contains(msg, "[50@") {
		return core.NewUnavailableError()
	}
	return fmt.Errorf("%w: mpd %s: %v", core.ErrDeviceFailure, command, err)
}
