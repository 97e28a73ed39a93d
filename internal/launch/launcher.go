// internal/launch/launcher.go
package launch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hpcloud/tail"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chauffeur/internal/config"
	"github.com/xkilldash9x/chauffeur/internal/events"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// maxLaunchAttempts bounds the retry loop against user-data-dir lock
	// conflicts. Retry lives only here; callers see one StartupError.
	maxLaunchAttempts = 3
	tempDirPrefix     = "chauffeur-profile-"
	stderrLogName     = "chrome.log"
	cleanupGrace      = 5 * time.Second
)

// wellKnownExecutables are probed in order when no executable_path is
// configured.
var wellKnownExecutables = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"/usr/bin/google-chrome",
	"/usr/bin/chromium",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
}

// devtoolsLinePattern matches the endpoint announcement the browser writes to
// stderr shortly after startup.
var devtoolsLinePattern = regexp.MustCompile(`DevTools listening on (ws://[^\s]+)`)

// lockConflictPattern classifies launch failures caused by another process
// holding the profile directory.
var lockConflictPattern = regexp.MustCompile(`(?i)(SingletonLock|user data directory is already in use|ProcessSingleton)`)

// Handle is a launched browser process plus the endpoint it listens on.
type Handle struct {
	EndpointURL string
	UserDataDir string

	cmd         *exec.Cmd
	waitDone    chan struct{}
	ownsTempDir bool
	logger      *zap.Logger
}

// Launcher spawns a local browser with remote debugging enabled and cleans it
// up again. One launcher owns at most one process.
type Launcher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	handle *Handle
}

func NewLauncher(cfg config.BrowserConfig, logger *zap.Logger) *Launcher {
	return &Launcher{cfg: cfg, logger: logger.Named("launch")}
}

// Launch starts the browser and discovers its DevTools endpoint. Lock
// conflicts on the configured user-data dir fall back to a fresh temp dir for
// up to maxLaunchAttempts attempts; any terminal failure surfaces as a
// StartupError.
func (l *Launcher) Launch(ctx context.Context) (*Handle, error) {
	execPath, err := l.resolveExecutable()
	if err != nil {
		return nil, events.WrapError(events.ErrStartup, err, "no usable browser executable")
	}

	userDataDir := l.cfg.UserDataDir
	ownsTemp := false
	if userDataDir == "" {
		dir, err := os.MkdirTemp("", tempDirPrefix)
		if err != nil {
			return nil, events.WrapError(events.ErrStartup, err, "creating profile directory")
		}
		userDataDir = dir
		ownsTemp = true
	}

	var lastErr error
	for attempt := 1; attempt <= maxLaunchAttempts; attempt++ {
		handle, err := l.launchOnce(ctx, execPath, userDataDir, ownsTemp)
		if err == nil {
			l.handle = handle
			return handle, nil
		}
		lastErr = err

		if !isLockConflict(err) || attempt == maxLaunchAttempts {
			break
		}

		// The configured profile is locked by another process. Fall back to
		// a disposable temp profile and try again.
		l.logger.Warn("User data directory is locked; retrying with a temp profile.",
			zap.String("dir", userDataDir),
			zap.Int("attempt", attempt),
			zap.Error(err))
		dir, mkErr := os.MkdirTemp("", tempDirPrefix)
		if mkErr != nil {
			lastErr = mkErr
			break
		}
		if ownsTemp {
			_ = os.RemoveAll(userDataDir)
		}
		userDataDir = dir
		ownsTemp = true
	}

	if ownsTemp {
		_ = os.RemoveAll(userDataDir)
	}
	return nil, events.WrapError(events.ErrStartup, lastErr, "launching browser after %d attempts", maxLaunchAttempts)
}

// launchOnce performs a single spawn-and-discover cycle.
func (l *Launcher) launchOnce(ctx context.Context, execPath, userDataDir string, ownsTemp bool) (*Handle, error) {
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("picking a debugging port: %w", err)
	}

	args := l.buildArgs(port, userDataDir)

	logPath := filepath.Join(userDataDir, stderrLogName)
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", logPath, err)
	}
	defer logFile.Close()

	// The process must outlive ctx: ctx bounds spawn and endpoint discovery
	// only, while termination belongs to Cleanup's SIGTERM-then-SIGKILL
	// sequence. Tying the command to ctx would SIGKILL the browser the moment
	// the caller's context ends.
	cmd := exec.Command(execPath, args...)
	cmd.Stderr = logFile
	cmd.Stdout = logFile
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", execPath, err)
	}

	// Reap the child as soon as it exits so a crashed browser never lingers
	// as a zombie and Running() turns false without waiting for Cleanup.
	waitDone := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waitDone)
	}()

	l.logger.Info("Browser process started.",
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("port", port),
		zap.String("user_data_dir", userDataDir))

	endpoint, err := l.discoverEndpoint(ctx, logPath, port, waitDone)
	if err != nil {
		_ = cmd.Process.Kill()
		<-waitDone
		return nil, err
	}

	return &Handle{
		EndpointURL: endpoint,
		UserDataDir: userDataDir,
		cmd:         cmd,
		waitDone:    waitDone,
		ownsTempDir: ownsTemp,
		logger:      l.logger,
	}, nil
}

// buildArgs assembles the browser flag set.
func (l *Launcher) buildArgs(port int, userDataDir string) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--user-data-dir=" + userDataDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-sync",
		"--disable-features=Translate",
		fmt.Sprintf("--window-size=%d,%d", l.cfg.WindowWidth, l.cfg.WindowHeight),
	}
	if l.cfg.Headless {
		args = append(args, "--headless=new")
	}
	if l.cfg.IgnoreTLSErrors {
		args = append(args, "--ignore-certificate-errors")
	}
	args = append(args, l.cfg.ExtraArgs...)
	args = append(args, "about:blank")
	return args
}

// discoverEndpoint finds the DevTools WebSocket URL. Primary source is the
// "DevTools listening on ws://..." stderr line; the fallback polls the HTTP
// /json/version endpoint until the configured launch timeout elapses.
func (l *Launcher) discoverEndpoint(ctx context.Context, logPath string, port int, waitDone <-chan struct{}) (string, error) {
	deadline := time.Now().Add(l.cfg.LaunchTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	fromLog := make(chan string, 1)
	t, err := tail.TailFile(logPath, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Logger:    tail.DiscardingLogger,
	})
	if err == nil {
		go func() {
			defer func() { _ = t.Stop() }()
			for line := range t.Lines {
				if line == nil {
					return
				}
				if line.Err != nil {
					continue
				}
				if lockConflictPattern.MatchString(line.Text) {
					select {
					case fromLog <- "LOCKED:" + line.Text:
					default:
					}
					return
				}
				if m := devtoolsLinePattern.FindStringSubmatch(line.Text); m != nil {
					select {
					case fromLog <- m[1]:
					default:
					}
					return
				}
			}
		}()
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case found := <-fromLog:
			if strings.HasPrefix(found, "LOCKED:") {
				return "", fmt.Errorf("browser refused to start: %s", strings.TrimPrefix(found, "LOCKED:"))
			}
			return found, nil
		case <-waitDone:
			// The process dying early usually means a profile lock conflict;
			// surface whatever it wrote to the log.
			tailText, _ := os.ReadFile(logPath)
			return "", fmt.Errorf("browser process exited during startup: %s", lastLines(string(tailText), 5))
		case <-ticker.C:
			if url, err := queryVersionEndpoint(ctx, port); err == nil {
				return url, nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("devtools endpoint did not come up within %s", l.cfg.LaunchTimeout)
		}
	}
}

// queryVersionEndpoint polls http://127.0.0.1:port/json/version.
func queryVersionEndpoint(ctx context.Context, port int) (string, error) {
	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("no webSocketDebuggerUrl in %s", url)
	}
	return info.WebSocketDebuggerURL, nil
}

// Cleanup terminates the launched process: SIGTERM first, SIGKILL after the
// grace period, then removes any temp profile this launcher created.
func (l *Launcher) Cleanup(ctx context.Context) error {
	h := l.handle
	l.handle = nil
	if h == nil {
		return nil
	}
	return h.Cleanup(ctx)
}

// Running reports whether the launched process is still alive.
func (l *Launcher) Running() bool {
	return l.handle != nil && l.handle.Running()
}

// Running reports whether the reaper goroutine has collected the process yet.
func (h *Handle) Running() bool {
	if h.cmd == nil || h.cmd.Process == nil || h.waitDone == nil {
		return false
	}
	select {
	case <-h.waitDone:
		return false
	default:
		return true
	}
}

// Cleanup shuts the process down gracefully, escalating to SIGKILL after the
// grace period. Temp profile directories created by the launcher are removed;
// a user-configured profile is left alone.
func (h *Handle) Cleanup(ctx context.Context) error {
	defer func() {
		if h.ownsTempDir && strings.Contains(filepath.Base(h.UserDataDir), tempDirPrefix) {
			_ = os.RemoveAll(h.UserDataDir)
		}
	}()

	if h.cmd == nil || h.cmd.Process == nil || !h.Running() {
		return nil
	}

	pid := h.cmd.Process.Pid
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		h.logger.Debug("SIGTERM failed; process likely already gone.", zap.Int("pid", pid), zap.Error(err))
		return nil
	}

	grace := time.NewTimer(cleanupGrace)
	defer grace.Stop()
	select {
	case <-h.waitDone:
		h.logger.Info("Browser process exited gracefully.", zap.Int("pid", pid))
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	h.logger.Warn("Browser process did not exit in time; killing.", zap.Int("pid", pid))
	if err := h.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("killing browser process %d: %w", pid, err)
	}
	<-h.waitDone
	return nil
}

// resolveExecutable picks the browser binary: config override first, then
// well-known names resolved through PATH, then absolute install locations.
func (l *Launcher) resolveExecutable() (string, error) {
	if l.cfg.ExecutablePath != "" {
		if _, err := os.Stat(l.cfg.ExecutablePath); err != nil {
			return "", fmt.Errorf("configured executable %q: %w", l.cfg.ExecutablePath, err)
		}
		return l.cfg.ExecutablePath, nil
	}
	for _, cand := range wellKnownExecutables {
		if filepath.IsAbs(cand) {
			if _, err := os.Stat(cand); err == nil {
				return cand, nil
			}
			continue
		}
		if path, err := exec.LookPath(cand); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no browser executable found; set browser.executable_path")
}

// freePort asks the kernel for an unused TCP port.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func isLockConflict(err error) bool {
	return err != nil && lockConflictPattern.MatchString(err.Error())
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
