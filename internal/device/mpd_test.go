package device

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"mixdeck/internal/core"
)

// fakeMPD speaks just enough of the MPD protocol for the device commands.
type fakeMPD struct {
	mu       sync.Mutex
	state    string
	file     string
	commands []string
}

func startFakeMPD(t *testing.T) (string, *fakeMPD) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	f := &fakeMPD{state: "stop"}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return ln.Addr().String(), f
}

func (f *fakeMPD) serve(conn net.Conn) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)

	w.WriteString("OK MPD 0.23.5\n")
	w.Flush()

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		w.WriteString(f.handle(line))
		w.Flush()
		if line == "close" {
			return
		}
	}
}

func (f *fakeMPD) handle(line string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, line)
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.Trim(arg, `"`)

	switch cmd {
	case "add":
		if strings.Contains(arg, "missing") {
			return "ACK [50@0] {add} No such song\n"
		}
		f.file = arg
	case "clear":
		f.file = ""
	case "play":
		f.state = "play"
	case "pause":
		f.state = "pause"
	case "status":
		return "volume: 100\nstate: " + f.state + "\nOK\n"
	case "currentsong":
		return "file: " + f.file + "\nOK\n"
	}
	return "OK\n"
}

func (f *fakeMPD) sawCommand(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func TestMPD_PlayPauseStatus(t *testing.T) {
	addr, server := startFakeMPD(t)
	device := NewMPD(addr, "", zap.NewNop())
	defer device.Close()
	ctx := context.Background()

	status, err := device.Play(ctx, "spotify:track:1")
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if !status.Playing || status.TrackURI != "spotify:track:1" {
		t.Errorf("Play() status = %+v", status)
	}
	if !server.sawCommand("clear") || !server.sawCommand("add") || !server.sawCommand("play") {
		t.Errorf("commands = %v", server.commands)
	}

	status, err = device.Pause(ctx)
	if err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if status.Playing {
		t.Error("Pause() status should not be playing")
	}

	status, err = device.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Playing {
		t.Error("Status() should report paused")
	}
}

func TestMPD_MissingTrackIsUnavailable(t *testing.T) {
	addr, _ := startFakeMPD(t)
	device := NewMPD(addr, "", zap.NewNop())
	defer device.Close()

	_, err := device.Play(context.Background(), "spotify:track:missing")
	if !errors.Is(err, core.ErrResourceUnavailable) {
		t.Errorf("Play() error = %v, want ErrResourceUnavailable", err)
	}
}

func TestMPD_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	device := NewMPD(addr, "", zap.NewNop())
	if _, err := device.Status(context.Background()); !errors.Is(err, core.ErrDeviceFailure) {
		t.Errorf("Status() error = %v, want ErrDeviceFailure", err)
	}
}

func TestClassifyMPDError(t *testing.T) {
	if err := classifyMPDError("add", errors.New("command 'add' failed: No such directory")); !errors.Is(err, core.ErrResourceUnavailable) {
		t.Errorf("classifyMPDError() = %v, want unavailable", err)
	}
	err := classifyMPDError("play", errors.New("broken pipe"))
	if errors.Is(err, core.ErrResourceUnavailable) || !errors.Is(err, core.ErrDeviceFailure) {
		t.Errorf("classifyMPDError() = %v, want generic device failure", err)
	}
}
