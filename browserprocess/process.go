// Package browserprocess starts a local Chromium based browser with its
// DevTools endpoint turned on.
package browserprocess

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/log"
)

const (
	devToolsPortFile = "DevToolsActivePort"

	readAttemptDelay = 50 * time.Millisecond
	// Chromium can take a while to write the port file on a cold start.
	devToolsTimeout = 15 * time.Second
	closeTimeout    = 5 * time.Second
)

// ErrExited is returned when the browser ends before it exposed its
// DevTools endpoint.
var ErrExited = errors.New("browser process exited")

// DefaultArgs are the flags every launched browser gets besides its user
// data directory. Port 0 makes the browser pick a free port and report it
// in the DevToolsActivePort file.
func DefaultArgs() []string {
	return []string{
		"--remote-debugging-port=0",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-timer-throttling",
		"--disable-renderer-backgrounding",
	}
}

// Process is a running browser.
type Process struct {
	cancel context.CancelFunc
	cmd    *exec.Cmd
	done   chan struct{}

	// Browser's WebSocket URL to speak CDP
	wsURL string

	// userDataDir is the throwaway profile of the browser, removed once
	// the process is gone.
	userDataDir string

	logger *log.Logger
}

// Launch starts the browser at path with DefaultArgs, args and a fresh
// profile, and waits for its DevTools endpoint. The browser is killed
// when ctx is done.
func Launch(ctx context.Context, path string, args []string, logger *log.Logger) (*Process, error) {
	if logger == nil {
		logger = log.NullLogger()
	}
	dataDir, err := os.MkdirTemp("", "serpwatch-profile-*")
	if err != nil {
		return nil, fmt.Errorf("creating user data directory: %w", err)
	}
	args = append(append(DefaultArgs(), args...), "--user-data-dir="+dataDir)

	ctx, cancel := context.WithCancel(ctx)
	cmd, done, err := execute(ctx, path, args, dataDir, logger)
	if err != nil {
		cancel()
		_ = os.RemoveAll(dataDir)
		return nil, err
	}

	p := &Process{
		cancel:      cancel,
		cmd:         cmd,
		done:        done,
		userDataDir: dataDir,
		logger:      logger,
	}
	register(logger, cmd.Process.Pid)

	p.wsURL, err = devToolsURL(ctx, dataDir, done)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("getting DevTools URL: %w", err)
	}
	logger.Infof("BrowserProcess:Launch", "pid:%d DevTools listening on %s", p.Pid(), p.wsURL)

	return p, nil
}

// WsURL returns the Websocket URL that the browser is listening on for CDP clients.
func (p *Process) WsURL() string {
	return p.wsURL
}

// Pid returns the browser process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process ended and its profile is removed.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Close kills the browser and waits for it to exit.
func (p *Process) Close() error {
	p.logger.Debugf("BrowserProcess:Close", "pid:%d", p.Pid())
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-time.After(closeTimeout):
		return fmt.Errorf("browser process %d did not exit in %s", p.Pid(), closeTimeout)
	}
}

func execute(
	ctx context.Context, path string, args []string, dataDir string, logger *log.Logger,
) (*exec.Cmd, chan struct{}, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	killAfterParent(cmd)

	// We must start the cmd before calling cmd.Wait, as otherwise the two
	// can run into a data race.
	err := cmd.Start()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("file does not exist: %s", path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("starting browser: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer func() {
			unregister(cmd.Process.Pid)
			if err := os.RemoveAll(dataDir); err != nil {
				logger.Errorf("browser", "cleaning up the user data directory: %v", err)
			}
			close(done)
		}()

		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			logger.Errorf("browser",
				"process with PID %d unexpectedly ended: %v",
				cmd.Process.Pid, err)
		}
	}()

	return cmd, done, nil
}

// devToolsURL returns the DevTools WebSocket address by reading the
// DevToolsActivePort file in the data directory.
func devToolsURL(ctx context.Context, dataDir string, exited <-chan struct{}) (string, error) {
	fpath := filepath.Join(dataDir, devToolsPortFile)
	timeout := time.NewTimer(devToolsTimeout)
	defer timeout.Stop()

	// The browser might not have created the file yet, so try reading it
	// multiple times after a slight delay.
	for {
		wsURL, err := readDevToolsPortFile(fpath)
		if err == nil {
			return wsURL, nil
		}
		if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, errIncomplete) {
			return "", err
		}

		select {
		case <-time.After(readAttemptDelay):
		case <-exited:
			return "", ErrExited
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timeout.C:
			return "", fmt.Errorf("unable to read file %q in %s", fpath, devToolsTimeout)
		}
	}
}

var errIncomplete = errors.New("incomplete DevToolsActivePort file")

// readDevToolsPortFile parses the port on the first line and the browser
// target path on the second.
func readDevToolsPortFile(fpath string) (string, error) {
	f, err := os.Open(fpath) //nolint:gosec
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	defer f.Close() //nolint:errcheck

	fs := bufio.NewScanner(f)
	portURI := make([]string, 0, 2)
	for fs.Scan() {
		portURI = append(portURI, fs.Text())
	}
	if err := fs.Err(); err != nil {
		return "", fmt.Errorf("reading %q: %w", fpath, err)
	}
	// The file is written in one go, but it may be caught half way.
	if len(portURI) < 2 || portURI[0] == "" || portURI[1] == "" {
		return "", errIncomplete
	}

	return fmt.Sprintf("ws://127.0.0.1:%s%s", portURI[0], portURI[1]), nil
}
