// Package browser optionally starts a local Chromium with remote debugging
// enabled so the controller has something to attach to.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

const defaultReadyTimeout = 15 * time.Second

// ErrNoBrowser is returned when no Chromium-family binary is installed.
var ErrNoBrowser = errors.New("no supported browser found")

type Config struct {
	CDPAddress   string
	CDPPort      int
	ProfileDir   string
	StartURL     string
	ReadyTimeout time.Duration
}

// Launcher owns at most one browser process.
type Launcher struct {
	cfg  Config
	cmd  *exec.Cmd
	done chan struct{}
}

func NewLauncher(cfg Config) *Launcher {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.StartURL == "" {
		cfg.StartURL = "about:blank"
	}
	return &Launcher{cfg: cfg}
}

var binaryCandidates = []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser", "chrome"}

func findBinary() (string, error) {
	for _, name := range binaryCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		for _, p := range []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		} {
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	return "", ErrNoBrowser
}

func (l *Launcher) endpoint() string {
	return net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.cfg.CDPPort))
}

func (l *Launcher) args() []string {
	return []string{
		"--remote-debugging-port=" + strconv.Itoa(l.cfg.CDPPort),
		"--remote-debugging-address=" + l.cfg.CDPAddress,
		"--user-data-dir=" + l.cfg.ProfileDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-dev-shm-usage",
		"--disable-breakpad",
		l.cfg.StartURL,
	}
}

// Launch starts the browser unless something already listens on the CDP
// port, then waits until /json/version answers.
func (l *Launcher) Launch(ctx context.Context) error {
	if conn, err := net.DialTimeout("tcp", l.endpoint(), time.Second); err == nil {
		conn.Close()
		slog.Info("browser already listening, skipping launch", "cdp_addr", l.endpoint())
		return nil
	}

	bin, err := findBinary()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	l.cmd = exec.Command(bin, l.args()...)
	l.cmd.Stdout = os.Stdout
	l.cmd.Stderr = os.Stderr
	if err := l.cmd.Start(); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	l.done = make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(l.done)
	}()
	slog.Info("browser process started", "path", bin, "pid", l.cmd.Process.Pid, "profile_dir", l.cfg.ProfileDir)

	readyCtx, cancel := context.WithTimeout(ctx, l.cfg.ReadyTimeout)
	defer cancel()
	if err := l.waitReady(readyCtx); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP at %s: %w", l.endpoint(), err)
	}
	slog.Info("CDP endpoint ready", "cdp_addr", l.endpoint())
	return nil
}

func (l *Launcher) waitReady(ctx context.Context) error {
	url := "http://" + l.endpoint() + "/json/version"
	client := &http.Client{Timeout: time.Second}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return errors.New("browser exited before CDP became ready")
		case <-ticker.C:
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Started reports whether this launcher spawned the browser.
func (l *Launcher) Started() bool { return l.cmd != nil }

// Stop terminates a browser this launcher started: SIGTERM, then SIGKILL
// after five seconds.
func (l *Launcher) Stop() {
	if l.cmd == nil || l.cmd.Process == nil {
		return
	}
	slog.Info("stopping browser", "pid", l.cmd.Process.Pid)
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		slog.Warn("browser did not exit, sending SIGKILL", "pid", l.cmd.Process.Pid)
		_ = l.cmd.Process.Kill()
		<-l.done
	}
}
