// Package supervisor keeps the daemon process alive. It respawns the child
// on unexpected exit with exponential backoff, distinguishing a crash loop
// (quick deaths) from occasional failures, and translates its own signals
// into the two shutdown modes: stop (sessions keep running) and purge.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/IvanRicoPrieto/CCRemote/internal/config"
)

const (
	// quickDeathWindow: a child that dies faster than this is counted as a
	// crash; surviving longer resets the counter.
	quickDeathWindow = 5 * time.Second

	baseDelay = time.Second
	maxDelay  = 60 * time.Second
)

// BackoffDelay returns the respawn delay after n consecutive quick deaths.
func BackoffDelay(quickDeaths int) time.Duration {
	d := baseDelay
	for i := 0; i < quickDeaths; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

type Supervisor struct {
	cfg       config.Config
	childArgv []string // command to respawn; argv[0] is the binary
	logger    *slog.Logger
}

func New(cfg config.Config, childArgv []string, logger *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, childArgv: childArgv, logger: logger}
}

// Run spawns and babysits the child until a stop signal arrives. SIGTERM
// and SIGINT are forwarded and the supervisor exits once the child does;
// SIGUSR1 (purge) likewise but the child kills its hosted sessions first.
func (s *Supervisor) Run() error {
	if err := WritePIDFile(s.cfg.PIDPath()); err != nil {
		return err
	}
	defer os.Remove(s.cfg.PIDPath())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	quickDeaths := 0
	for {
		child := exec.Command(s.childArgv[0], s.childArgv[1:]...)
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		started := time.Now()
		if err := child.Start(); err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}
		s.logger.Info("daemon started", "pid", child.Process.Pid)

		done := make(chan error, 1)
		go func() { done <- child.Wait() }()

		stopping := false
	waitChild:
		for {
			select {
			case sig := <-sigs:
				stopping = true
				s.logger.Info("forwarding signal to daemon", "signal", sig)
				_ = child.Process.Signal(sig)
			case err := <-done:
				if stopping {
					s.logger.Info("daemon stopped")
					return nil
				}
				runtime := time.Since(started)
				if runtime >= quickDeathWindow {
					quickDeaths = 0
				} else {
					quickDeaths++
				}
				delay := BackoffDelay(quickDeaths)
				s.logger.Warn("daemon exited unexpectedly",
					"err", err, "runtime", runtime, "restartIn", delay)

				// interruptible backoff sleep
				select {
				case sig := <-sigs:
					s.logger.Info("stop requested during backoff", "signal", sig)
					return nil
				case <-time.After(delay):
				}
				break waitChild
			}
		}
	}
}

// WritePIDFile records this process's pid, refusing to clobber a live
// supervisor.
func WritePIDFile(path string) error {
	if pid, err := ReadPIDFile(path); err == nil && processAlive(pid) {
		return fmt.Errorf("supervisor already running (pid %d)", pid)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ReadPIDFile returns the recorded pid.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

// SignalRunning sends sig to the recorded supervisor process.
func SignalRunning(path string, sig os.Signal) error {
	pid, err := ReadPIDFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.New("daemon is not running")
		}
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}
	return nil
}

// Running reports whether the recorded supervisor process is alive.
func Running(path string) bool {
	pid, err := ReadPIDFile(path)
	return err == nil && processAlive(pid)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
