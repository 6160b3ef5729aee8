//go:build !windows

package dosbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/dosrun/internal/paths"
	"github.com/loykin/dosrun/internal/store"
)

// fakeDOSBox installs a shell script at the default interpreter location.
const fakeDOSBox = `#!/bin/sh
if [ "$1" = "-c" ]; then
	case "$2" in
	"CONFIG -writeconf "*)
		f="${2#CONFIG -writeconf }"
		printf '[sdl]\nfullscreen=false\n' > "$f"
		exit 0
		;;
	esac
fi
if [ "$1" = "--fail" ]; then
	echo "bad option" >&2
	exit 2
fi
echo "DOSBox version 0.74-3 $*"
`

func newInterpreter(t *testing.T) (*Interpreter, string) {
	t.Helper()
	return newInterpreterIn(t, t.TempDir())
}

func newInterpreterIn(t *testing.T, base string) (*Interpreter, string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "dosbox"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "dosbox", "dosbox"), []byte(fakeDOSBox), 0o755))
	r, err := paths.NewResolver(base)
	require.NoError(t, err)
	return New(r, "", nil), base
}

func TestExecutable(t *testing.T) {
	i, base := newInterpreter(t)
	exe, err := i.Executable()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "dosbox", "dosbox"), exe)

	i.Exe = "missing/dosbox"
	_, err = i.Executable()
	assert.ErrorIs(t, err, ErrExecutableMissing)
}

func TestGameCommand(t *testing.T) {
	i, base := newInterpreter(t)
	cmd, err := i.GameCommand(store.Game{ID: 7, ConfigPath: "games/keen/KEEN.conf"})
	require.NoError(t, err)

	mount := filepath.Join(base, "games", "keen")
	assert.Equal(t, filepath.Join(base, "dosbox", "dosbox"), cmd.Path)
	assert.Equal(t, mount, cmd.Dir)
	assert.Equal(t, []string{
		mount,
		"-conf", filepath.Join(base, "base.conf"),
		"-conf", filepath.Join(mount, "KEEN.conf"),
	}, cmd.Args)
	assert.Equal(t, "game-7", cmd.LogName)

	_, err = i.GameCommand(store.Game{ID: 8})
	assert.ErrorIs(t, err, paths.ErrResolve)
}

func TestEnsureBaseConfig(t *testing.T) {
	i, base := newInterpreter(t)
	p, err := i.EnsureBaseConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "base.conf"), p)
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), "[sdl]")

	// an existing file is left alone
	require.NoError(t, os.WriteFile(p, []byte("custom"), 0o644))
	_, err = i.EnsureBaseConfig(context.Background())
	require.NoError(t, err)
	b, _ = os.ReadFile(p)
	assert.Equal(t, "custom", string(b))
}

func TestEnsureBaseConfigPassesPathVerbatim(t *testing.T) {
	i, base := newInterpreterIn(t, filepath.Join(t.TempDir(), `My Games\dos`))
	p, err := i.EnsureBaseConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "base.conf"), p)
	assert.FileExists(t, p)
}

func TestGenerateGameConfig(t *testing.T) {
	i, base := newInterpreter(t)
	dir := filepath.Join(base, "games", "doom")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	conf, err := i.GenerateGameConfig(filepath.Join(dir, "DOOM.EXE"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "DOOM.conf"), conf)
	b, err := os.ReadFile(conf)
	require.NoError(t, err)
	assert.Equal(t, "[autoexec]\n@ECHO OFF\nMOUNT C .\nC:\nCLS\nDOOM.EXE", string(b))

	require.NoError(t, os.WriteFile(conf, []byte("edited"), 0o644))
	again, err := i.GenerateGameConfig("games/doom/DOOM.EXE")
	require.NoError(t, err)
	assert.Equal(t, conf, again)
	b, _ = os.ReadFile(conf)
	assert.Equal(t, "edited", string(b))
}

func TestReadWriteGameConfig(t *testing.T) {
	i, base := newInterpreter(t)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "games"), 0o755))
	g := store.Game{ID: 1, ConfigPath: "games/a.conf"}

	_, err := i.ReadGameConfig(g)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, i.WriteGameConfig(g, "[cpu]\ncycles=max\n"))
	text, err := i.ReadGameConfig(g)
	require.NoError(t, err)
	assert.Equal(t, "[cpu]\ncycles=max\n", text)
}

func TestRun(t *testing.T) {
	i, _ := newInterpreter(t)
	out, err := i.Run(context.Background(), "-version")
	require.NoError(t, err)
	assert.Equal(t, "DOSBox version 0.74-3 -version\n", out)

	_, err = i.Run(context.Background(), "--fail")
	var re *RunError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "exit status 2", re.ExitStatus)
	assert.Equal(t, "bad option\n", re.Stderr)
	assert.Contains(t, re.Error(), "bad option")

	i.Exe = "nope"
	_, err = i.Run(context.Background())
	assert.ErrorIs(t, err, ErrExecutableMissing)
}
