// internal/launch/launcher_test.go
package launch

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/chauffeur/internal/config"
	"github.com/xkilldash9x/chauffeur/internal/events"
)

func testBrowserConfig() config.BrowserConfig {
	return config.BrowserConfig{
		Headless:      true,
		WindowWidth:   1280,
		WindowHeight:  1024,
		LaunchTimeout: 5 * time.Second,
	}
}

func TestBuildArgs(t *testing.T) {
	cfg := testBrowserConfig()
	cfg.IgnoreTLSErrors = true
	cfg.ExtraArgs = []string{"--lang=en-US"}
	l := NewLauncher(cfg, zaptest.NewLogger(t))

	args := l.buildArgs(9222, "/tmp/profile")

	assert.Contains(t, args, "--remote-debugging-port=9222")
	assert.Contains(t, args, "--user-data-dir=/tmp/profile")
	assert.Contains(t, args, "--headless=new")
	assert.Contains(t, args, "--ignore-certificate-errors")
	assert.Contains(t, args, "--lang=en-US")
	assert.Contains(t, args, "--window-size=1280,1024")
	assert.Equal(t, "about:blank", args[len(args)-1], "the initial tab is always about:blank")
}

func TestBuildArgsHeadful(t *testing.T) {
	cfg := testBrowserConfig()
	cfg.Headless = false
	l := NewLauncher(cfg, zaptest.NewLogger(t))

	assert.NotContains(t, l.buildArgs(9222, "/tmp/profile"), "--headless=new")
}

func TestFreePortIsUsable(t *testing.T) {
	p1, err := freePort()
	require.NoError(t, err)
	assert.Greater(t, p1, 0)
	assert.LessOrEqual(t, p1, 65535)
}

func TestDevtoolsLinePattern(t *testing.T) {
	line := "DevTools listening on ws://127.0.0.1:9222/devtools/browser/abc-def"
	m := devtoolsLinePattern.FindStringSubmatch(line)
	require.NotNil(t, m)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc-def", m[1])

	assert.Nil(t, devtoolsLinePattern.FindStringSubmatch("[WARNING] something else entirely"))
}

func TestLockConflictClassification(t *testing.T) {
	assert.True(t, isLockConflict(errors.New("Failed to create SingletonLock")))
	assert.True(t, isLockConflict(errors.New("The user data directory is already in use")))
	assert.True(t, isLockConflict(errors.New("ProcessSingleton: failed")))
	assert.False(t, isLockConflict(errors.New("no such file or directory")))
	assert.False(t, isLockConflict(nil))
}

func TestResolveExecutableConfiguredMissing(t *testing.T) {
	cfg := testBrowserConfig()
	cfg.ExecutablePath = "/definitely/not/here/chrome"
	l := NewLauncher(cfg, zaptest.NewLogger(t))

	_, err := l.resolveExecutable()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/definitely/not/here/chrome")
}

func TestResolveExecutableConfiguredPresent(t *testing.T) {
	bin := "/bin/true"
	if _, err := os.Stat(bin); err != nil {
		t.Skip("/bin/true not available")
	}
	cfg := testBrowserConfig()
	cfg.ExecutablePath = bin
	l := NewLauncher(cfg, zaptest.NewLogger(t))

	path, err := l.resolveExecutable()
	require.NoError(t, err)
	assert.Equal(t, bin, path)
}

func TestLaunchSurfacesStartupError(t *testing.T) {
	cfg := testBrowserConfig()
	cfg.ExecutablePath = "/definitely/not/here/chrome"
	l := NewLauncher(cfg, zaptest.NewLogger(t))

	_, err := l.Launch(context.Background())
	require.Error(t, err)
	var be *events.BrowserError
	require.ErrorAs(t, err, &be, "launch failures are structured startup errors")
	assert.Equal(t, events.ErrStartup, be.ErrKind)
}

func TestHandleRunningAndCleanup(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	waitDone := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waitDone)
	}()
	h := &Handle{cmd: cmd, waitDone: waitDone, UserDataDir: t.TempDir(), logger: zaptest.NewLogger(t)}

	assert.True(t, h.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.Cleanup(ctx))
	assert.False(t, h.Running(), "the process must be gone after cleanup")

	// Cleanup on an already dead process is a no-op.
	require.NoError(t, h.Cleanup(ctx))
}

// launchFakeBrowser launches a shell script that announces a DevTools
// endpoint on stderr and then sleeps, exercising the real spawn, reap and
// discovery paths without a browser binary.
func launchFakeBrowser(t *testing.T, ctx context.Context) *Handle {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "fakechrome")
	body := "#!/bin/sh\necho 'DevTools listening on ws://127.0.0.1:1/devtools/browser/test' >&2\nexec sleep 60\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	cfg := testBrowserConfig()
	cfg.ExecutablePath = script
	cfg.UserDataDir = filepath.Join(dir, "profile")
	require.NoError(t, os.MkdirAll(cfg.UserDataDir, 0o755))

	h, err := NewLauncher(cfg, zaptest.NewLogger(t)).Launch(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.Cleanup(cctx)
	})
	return h
}

func TestLaunchedProcessSurvivesContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := launchFakeBrowser(t, ctx)

	cancel()
	time.Sleep(150 * time.Millisecond)
	assert.True(t, h.Running(), "termination belongs to Cleanup, not the launch context")

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	require.NoError(t, h.Cleanup(cctx))
	assert.False(t, h.Running())
}

func TestRunningTurnsFalseWhenProcessDies(t *testing.T) {
	h := launchFakeBrowser(t, context.Background())
	require.True(t, h.Running())

	require.NoError(t, h.cmd.Process.Kill())
	require.Eventually(t, func() bool { return !h.Running() }, 5*time.Second, 10*time.Millisecond,
		"a dead browser must be reaped and reported as not running")
}

func TestCleanupNeverStartedIsNoop(t *testing.T) {
	l := NewLauncher(testBrowserConfig(), zaptest.NewLogger(t))
	require.NoError(t, l.Cleanup(context.Background()))
	assert.False(t, l.Running())
}
