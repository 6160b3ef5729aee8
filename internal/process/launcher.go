package process

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"time"

	"github.com/loykin/dosrun/internal/logger"
)

// StderrLimit bounds how much of a process's standard error is kept in memory.
const StderrLimit = 64 << 10

// waitDelay bounds how long Wait keeps reading stderr after the process
// exited while a grandchild still holds the pipe open.
const waitDelay = 5 * time.Second

// Command is a fully resolved external invocation.
type Command struct {
	Path string
	Dir  string
	Args []string
	Env  []string
	// LogName selects the stdout/stderr log files when file logging is enabled.
	LogName string
}

// Handle is a started process. Wait must be called exactly once.
type Handle interface {
	PID() int
	StartedAt() time.Time
	Wait() Exit
}

// Launcher starts processes without waiting for them.
type Launcher struct {
	Log    logger.Config
	Logger *slog.Logger
}

func NewLauncher(log logger.Config, l *slog.Logger) *Launcher {
	if l == nil {
		l = slog.Default()
	}
	return &Launcher{Log: log, Logger: l}
}

// Launch starts c and returns immediately. Standard error is captured for
// failure reporting; standard output only goes to the configured log file.
func (l *Launcher) Launch(c Command) (Handle, error) {
	cmd := exec.Command(c.Path, c.Args...) // #nosec G204 -- path comes from the resolved interpreter
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	configureSysProcAttr(cmd)
	cmd.WaitDelay = waitDelay

	outW, errW, err := l.Log.ProcessWriters(c.LogName)
	if err != nil {
		l.Logger.Warn("process log files unavailable", "name", c.LogName, "error", err)
	}
	tail := newTailBuffer(StderrLimit)
	if errW != nil {
		cmd.Stderr = io.MultiWriter(tail, errW)
	} else {
		cmd.Stderr = tail
	}
	if outW != nil {
		cmd.Stdout = outW
	}

	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		return nil, newStartError(c.Path, err)
	}
	h := &handle{
		cmd:       cmd,
		startedAt: time.Now(),
		stderr:    tail,
		closers:   []io.Closer{outW, errW},
	}
	l.Logger.Debug("process started", "path", c.Path, "pid", h.PID(), "dir", c.Dir)
	return h, nil
}

type handle struct {
	cmd       *exec.Cmd
	startedAt time.Time
	stderr    *tailBuffer
	closers   []io.Closer
}

func (h *handle) PID() int             { return h.cmd.Process.Pid }
func (h *handle) StartedAt() time.Time { return h.startedAt }

func (h *handle) Wait() Exit {
	err := h.cmd.Wait()
	closeAll(h.closers...)
	// The process itself exited cleanly; only the stderr copy was cut short.
	if errors.Is(err, exec.ErrWaitDelay) {
		err = nil
	}
	return newExit(h.cmd.ProcessState, err, h.stderr.Bytes())
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}

// Start failure classes.
var (
	ErrExecutableNotFound = errors.New("executable not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrSpawn              = errors.New("spawn failed")
)

// StartError reports a process that could not be started.
type StartError struct {
	Path  string
	Class error
	Err   error
}

func newStartError(path string, err error) *StartError {
	class := ErrSpawn
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		class = ErrExecutableNotFound
	case errors.Is(err, fs.ErrPermission):
		class = ErrPermissionDenied
	}
	return &StartError{Path: path, Class: class, Err: err}
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s: %v: %v", e.Path, e.Class, e.Err)
}

// Is lets errors.Is match the failure class as well as the cause.
func (e *StartError) Is(target error) bool { return target == e.Class }

func (e *StartError) Unwrap() error { return e.Err }
