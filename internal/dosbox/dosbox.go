// Package dosbox knows how to invoke the bundled DOSBox interpreter and how
// its configuration files are laid out next to each game.
package dosbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/loykin/dosrun/internal/paths"
	"github.com/loykin/dosrun/internal/process"
	"github.com/loykin/dosrun/internal/store"
)

var ErrExecutableMissing = errors.New("dosbox executable not found")

// DefaultExecutable is the interpreter location relative to the install directory.
func DefaultExecutable() string {
	if runtime.GOOS == "windows" {
		return `dosbox\dosbox.exe`
	}
	return "dosbox/dosbox"
}

// Interpreter builds DOSBox invocations rooted at an install directory.
type Interpreter struct {
	Paths *paths.Resolver
	// Exe overrides DefaultExecutable; relative values are resolved against Paths.
	Exe string
	// Env is the game environment; nil inherits the supervisor's.
	Env []string

	Logger *slog.Logger
}

func New(r *paths.Resolver, exe string, l *slog.Logger) *Interpreter {
	if l == nil {
		l = slog.Default()
	}
	return &Interpreter{Paths: r, Exe: exe, Logger: l}
}

// Executable returns the resolved interpreter path after checking it exists.
func (i *Interpreter) Executable() (string, error) {
	exe := i.Exe
	if strings.TrimSpace(exe) == "" {
		exe = DefaultExecutable()
	}
	p, err := i.Paths.Resolve(exe)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(p)
	if err != nil || st.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrExecutableMissing, p)
	}
	return p, nil
}

// GameCommand returns the invocation that runs game: the directory holding
// its config is mounted, then the shared base config and the game config are
// layered in that order.
func (i *Interpreter) GameCommand(g store.Game) (process.Command, error) {
	exe, err := i.Executable()
	if err != nil {
		return process.Command{}, err
	}
	conf, err := i.Paths.Resolve(g.ConfigPath)
	if err != nil {
		return process.Command{}, fmt.Errorf("game %d config: %w", g.ID, err)
	}
	base, err := i.Paths.BaseConfig()
	if err != nil {
		return process.Command{}, err
	}
	mount := filepath.Dir(conf)
	return process.Command{
		Path:    exe,
		Dir:     mount,
		Args:    []string{mount, "-conf", base, "-conf", conf},
		Env:     i.Env,
		LogName: fmt.Sprintf("game-%d", g.ID),
	}, nil
}

// EnsureBaseConfig asks DOSBox to write its default configuration when the
// base config does not exist yet, and returns the base config path.
func (i *Interpreter) EnsureBaseConfig(ctx context.Context) (string, error) {
	base, err := i.Paths.BaseConfig()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(base); err == nil {
		return base, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	i.Logger.Info("no base configuration found, creating one", "path", base)
	if _, err := i.Run(ctx, "-c", "CONFIG -writeconf "+base, "-exit"); err != nil {
		return "", fmt.Errorf("write base config: %w", err)
	}
	if _, err := os.Stat(base); err != nil {
		return "", fmt.Errorf("write base config: dosbox did not create %s", base)
	}
	return base, nil
}

// GenerateGameConfig writes a minimal config next to the DOS executable that
// mounts its directory as C: and starts it. An existing config is kept.
// The config path is returned either way.
func (i *Interpreter) GenerateGameConfig(exePath string) (string, error) {
	p, err := i.Paths.Resolve(exePath)
	if err != nil {
		return "", err
	}
	name := filepath.Base(p)
	conf := strings.TrimSuffix(p, filepath.Ext(p)) + ".conf"
	if _, err := os.Stat(conf); err == nil {
		return conf, nil
	}
	body := "[autoexec]\n@ECHO OFF\nMOUNT C .\nC:\nCLS\n" + name
	if err := os.WriteFile(conf, []byte(body), 0o644); err != nil { // #nosec G306 -- DOSBox config is not secret
		return "", fmt.Errorf("write game config: %w", err)
	}
	return conf, nil
}

func (i *Interpreter) ReadGameConfig(g store.Game) (string, error) {
	p, err := i.Paths.Resolve(g.ConfigPath)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p) // #nosec G304 -- config paths are stored by the user
	if err != nil {
		return "", fmt.Errorf("read game config: %w", err)
	}
	return string(b), nil
}

func (i *Interpreter) WriteGameConfig(g store.Game, text string) error {
	p, err := i.Paths.Resolve(g.ConfigPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p, []byte(text), 0o644); err != nil { // #nosec G306
		return fmt.Errorf("write game config: %w", err)
	}
	return nil
}

// RunError is a captured DOSBox run that exited unsuccessfully.
type RunError struct {
	ExitStatus string
	Stderr     string
}

func (e *RunError) Error() string {
	if e.Stderr == "" {
		return "dosbox: " + e.ExitStatus
	}
	return fmt.Sprintf("dosbox: %s: %s", e.ExitStatus, strings.TrimSpace(e.Stderr))
}

// Run executes DOSBox with args, waits for it and returns its standard output.
func (i *Interpreter) Run(ctx context.Context, args ...string) (string, error) {
	exe, err := i.Executable()
	if err != nil {
		return "", err
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, exe, args...) // #nosec G204 -- interpreter path is resolved, args are passed verbatim
	cmd.Dir = filepath.Dir(exe)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return "", &RunError{ExitStatus: ee.ProcessState.String(), Stderr: stderr.String()}
		}
		return "", fmt.Errorf("run dosbox: %w", err)
	}
	return stdout.String(), nil
}
