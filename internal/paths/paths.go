// Package paths resolves install-relative locations such as the game
// directory, the base DOSBox configuration and the database file.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

var ErrResolve = errors.New("cannot resolve path")

const (
	baseConfigName = "base.conf"
	databaseName   = "db.sqlite"
	gamesDirName   = "games"
)

// Resolver turns paths relative to the install directory into absolute ones.
type Resolver struct {
	Base string
}

// NewResolver roots a Resolver at dir, or at the directory of the running
// binary when dir is empty. On linux an AppImage launch is rooted next to the
// image rather than inside its mount.
func NewResolver(dir string) (*Resolver, error) {
	if strings.TrimSpace(dir) != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrResolve, dir, err)
		}
		return &Resolver{Base: abs}, nil
	}
	exe, err := executablePath()
	if err != nil {
		return nil, fmt.Errorf("%w: executable path: %v", ErrResolve, err)
	}
	return &Resolver{Base: filepath.Dir(exe)}, nil
}

func executablePath() (string, error) {
	if runtime.GOOS == "linux" {
		if img := os.Getenv("APPIMAGE"); img != "" {
			return filepath.Clean(img), nil
		}
	}
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return exe, nil
}

// Resolve joins rel onto the install directory. Absolute inputs are only cleaned.
func (r *Resolver) Resolve(rel string) (string, error) {
	if r == nil || r.Base == "" {
		return "", fmt.Errorf("%w: no install directory", ErrResolve)
	}
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("%w: empty path", ErrResolve)
	}
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel), nil
	}
	return filepath.Join(r.Base, filepath.FromSlash(rel)), nil
}

// Relative returns abs relative to the install directory, or false when abs
// lies outside of it.
func (r *Resolver) Relative(abs string) (string, bool) {
	if r == nil || r.Base == "" {
		return "", false
	}
	rel, err := filepath.Rel(r.Base, filepath.Clean(abs))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (r *Resolver) BaseConfig() (string, error) { return r.Resolve(baseConfigName) }
func (r *Resolver) Database() (string, error)   { return r.Resolve(databaseName) }
func (r *Resolver) GamesDir() (string, error)   { return r.Resolve(gamesDirName) }
