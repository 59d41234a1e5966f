package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// x11SocketDir is where X servers create their listening sockets.
var x11SocketDir = "/tmp/.X11-unix"

const xvfbStartTimeout = 10 * time.Second

// displaySocket returns the socket path of an X display such as ":99" or
// ":99.0".
func displaySocket(display string) (string, error) {
	num, ok := strings.CutPrefix(display, ":")
	if !ok {
		return "", fmt.Errorf("display %q: want :N", display)
	}
	num, _, _ = strings.Cut(num, ".")
	if _, err := strconv.Atoi(num); err != nil {
		return "", fmt.Errorf("display %q: want :N", display)
	}
	return filepath.Join(x11SocketDir, "X"+num), nil
}

// startXvfb launches the virtual display used in headful mode and waits
// until it accepts connections. A display that is already up is reused.
func (m *Manager) startXvfb(ctx context.Context) error {
	if m.xvfb != nil {
		return nil
	}

	display := m.cfg.XvfbDisplay
	sock, err := displaySocket(display)
	if err != nil {
		return err
	}
	if _, err := os.Stat(sock); err == nil {
		m.cfg.Logger.Info("browser: display already up, reusing it", "display", display)
		return nil
	}

	cmd := exec.Command("Xvfb", display, "-screen", "0", "1920x1080x24", "-ac", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb: %w", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	wctx, cancel := context.WithTimeout(ctx, xvfbStartTimeout)
	defer cancel()
	if err := waitDisplay(wctx, sock, exited); err != nil {
		cmd.Process.Kill()
		return fmt.Errorf("xvfb %s: %w", display, err)
	}
	m.xvfb = cmd
	m.xvfbExited = exited

	m.cfg.Logger.Info("browser: xvfb started", "display", display, "pid", cmd.Process.Pid)
	return nil
}

// waitDisplay polls for the display socket until it appears, the server
// exits or ctx ends.
func waitDisplay(ctx context.Context, sock string, exited <-chan error) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		if _, err := os.Stat(sock); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("display did not come up: %w", ctx.Err())
		case err := <-exited:
			if err == nil {
				err = errors.New("exited")
			}
			return fmt.Errorf("server stopped before the display came up: %w", err)
		case <-t.C:
		}
	}
}

func (m *Manager) stopXvfb() {
	if m.xvfb == nil {
		return
	}
	if m.xvfb.Process != nil {
		m.xvfb.Process.Kill()
		<-m.xvfbExited
	}
	m.cfg.Logger.Info("browser: xvfb stopped")
	m.xvfb = nil
	m.xvfbExited = nil
}
