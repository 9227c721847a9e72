package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/lydakis/toolgate/internal/ipc"
	"github.com/lydakis/toolgate/internal/paths"
	"golang.org/x/sys/unix"
)

// daemonStartTimeout covers the initial connection round, which may wait on
// slow servers up to their handshake timeout.
const daemonStartTimeout = 30 * time.Second

var (
	readNonceFn           = readNonce
	isListeningFn         = isListening
	validateDaemonNonceFn = validateDaemonNonce
	spawnDaemonFn         = spawnDaemon
	waitForDaemonFn       = waitForDaemon
	acquireSpawnLockFn    = acquireSpawnLock
	execCommandFn         = exec.Command
)

// SpawnOrConnect ensures a daemon is running and returns the nonce for IPC auth.
// If no daemon is listening, it spawns one and waits for it to be ready.
func SpawnOrConnect() (string, error) {
	if err := paths.EnsureDir(paths.RuntimeDir()); err != nil {
		return "", fmt.Errorf("creating runtime dir: %w", err)
	}

	releaseLock, err := acquireSpawnLockFn(paths.LockPath())
	if err != nil {
		return "", fmt.Errorf("acquiring daemon lock: %w", err)
	}
	defer releaseLock() //nolint:errcheck

	// Try connecting to existing daemon
	if nonce, err := readNonceFn(); err == nil {
		if isListeningFn() {
			if valid, err := validateDaemonNonceFn(nonce); err == nil && valid {
				return nonce, nil
			}

			// State may have changed between reads (daemon restart); retry once.
			if freshNonce, err := readNonceFn(); err == nil && freshNonce != nonce {
				if valid, err := validateDaemonNonceFn(freshNonce); err == nil && valid {
					return freshNonce, nil
				}
			}

			clearDaemonRuntimeState()
		}
	}

	// Spawn a new daemon
	if err := spawnDaemonFn(); err != nil {
		return "", err
	}

	// Wait for it to be ready
	return waitForDaemonFn()
}

// ErrNotRunning is returned by Connect when no daemon answers on the socket.
var ErrNotRunning = errors.New("daemon is not running")

// Connect returns the nonce of an already running daemon. Unlike
// SpawnOrConnect it never starts one.
func Connect() (string, error) {
	nonce, err := readNonceFn()
	if err != nil || !isListeningFn() {
		return "", ErrNotRunning
	}
	if valid, err := validateDaemonNonceFn(nonce); err != nil || !valid {
		return "", ErrNotRunning
	}
	return nonce, nil
}

func validateDaemonNonce(nonce string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := ipc.NewClient(paths.SocketPath(), nonce)
	resp, err := client.Send(ctx, &ipc.Request{Type: ipc.TypeStatus})
	if err != nil {
		return false, err
	}
	if strings.Contains(strings.ToLower(resp.Stderr), "nonce mismatch") {
		return false, nil
	}
	return true, nil
}

func clearDaemonRuntimeState() {
	_ = os.Remove(paths.SocketPath())
	_ = os.Remove(paths.StatePath())
}

func acquireSpawnLock(path string) (func() error, error) {
	lockFile, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	return func() error {
		unlockErr := unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		closeErr := lockFile.Close()
		if unlockErr != nil {
			return unlockErr
		}
		return closeErr
	}, nil
}

func spawnDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}

	cmd, cleanup, err := newDaemonCommand(exe)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning daemon: %w", err)
	}

	// Detach: don't wait for the daemon process
	go cmd.Wait() //nolint: errcheck
	return nil
}

func newDaemonCommand(exe string) (*exec.Cmd, func(), error) {
	cmd := execCommandFn(exe, "__daemon")
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}

	// Daemon logs go to a file; fall back to discarding them.
	logOut := devNull
	if err := paths.EnsureDir(paths.StateDir()); err == nil {
		if f, err := os.OpenFile(paths.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600); err == nil {
			logOut = f
		}
	}

	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = logOut
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd, func() {
		_ = devNull.Close()
		if logOut != devNull {
			_ = logOut.Close()
		}
	}, nil
}

func waitForDaemon() (string, error) {
	deadline := time.Now().Add(daemonStartTimeout)
	for time.Now().Before(deadline) {
		if nonce, err := readNonce(); err == nil {
			if isListening() {
				return nonce, nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return "", fmt.Errorf("daemon did not start within %s; see %s", daemonStartTimeout, paths.LogPath())
}

func isListening() bool {
	conn, err := net.DialTimeout("unix", paths.SocketPath(), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func readNonce() (string, error) {
	data, err := os.ReadFile(paths.StatePath())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readOrCreateNonce() (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(paths.StatePath(), []byte(nonce+"\n"), 0600); err != nil {
		return "", fmt.Errorf("writing nonce: %w", err)
	}
	return nonce, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
