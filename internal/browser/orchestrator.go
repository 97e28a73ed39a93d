// internal/browser/orchestrator.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chauffeur/api/schemas"
	"github.com/xkilldash9x/chauffeur/internal/bus"
	"github.com/xkilldash9x/chauffeur/internal/cdp"
	"github.com/xkilldash9x/chauffeur/internal/config"
	"github.com/xkilldash9x/chauffeur/internal/events"
	"github.com/xkilldash9x/chauffeur/internal/launch"
)

// protocolConn is the transport surface the orchestrator needs: the pooled
// connection interface plus the client's callback registration.
type protocolConn interface {
	cdp.Conn
	OnNotification(cdp.NotificationHandler)
	OnClose(func(err error))
}

// connectFunc dials the DevTools endpoint. Replaceable in tests.
type connectFunc func(ctx context.Context, endpoint string, logger *zap.Logger) (protocolConn, error)

func defaultConnect(ctx context.Context, endpoint string, logger *zap.Logger) (protocolConn, error) {
	t, err := cdp.DialTransport(ctx, endpoint, logger)
	if err != nil {
		return nil, err
	}
	return cdp.NewClient(t, logger), nil
}

// Orchestrator is one browser automation session: it owns the event bus, the
// protocol transport, the session pool, the tab registry and the watchdogs,
// and exposes an imperative API whose methods dispatch commands and await
// their terminal notifications.
//
// Lifecycle: not_started -> starting -> connected -> stopping -> stopped.
// Start and Stop are idempotent and safe to race; a fatal error (process
// crash, transport loss) forces the transition to stopping exactly once.
type Orchestrator struct {
	cfg      *config.Config
	logger   *zap.Logger
	bus      *bus.SessionBus
	registry *Registry
	security *SecurityWatchdog

	connect connectFunc

	watchdogs []Watchdog
	observers []protocolObserver

	mu        sync.Mutex
	state     schemas.SessionState
	startDone chan struct{}
	startErr  error
	stopDone  chan struct{}
	client    protocolConn
	pool      *cdp.Pool
	launcher  *launch.Launcher
	handle    *launch.Handle
	endpoint  string

	enabledMu sync.Mutex
	enabled   map[string]bool // protocol sessions with domains enabled

	fatalOnce sync.Once
}

func NewOrchestrator(cfg *config.Config, logger *zap.Logger) *Orchestrator {
	log := logger.Named("browser")
	o := &Orchestrator{
		cfg:      cfg,
		logger:   log,
		bus:      bus.NewSessionBus(log),
		registry: NewRegistry(),
		connect:  defaultConnect,
		state:    schemas.SessionNotStarted,
		enabled:  make(map[string]bool),
	}

	o.security = NewSecurityWatchdog(cfg.Session.AllowedDomains, log)
	nav := NewNavigationWatchdog(log)
	crash := NewCrashWatchdog(log)
	popups := NewPopupWatchdog(log)
	inputs := NewInputController(log)

	o.watchdogs = []Watchdog{o.security, nav, inputs, popups, crash}
	o.observers = []protocolObserver{nav, crash, popups}

	if cfg.Browser.DownloadsDir != "" {
		dl := NewDownloadWatchdog(log)
		o.watchdogs = append(o.watchdogs, dl)
		o.observers = append(o.observers, dl)
	}
	if cfg.Session.StorageStatePath != "" {
		o.watchdogs = append(o.watchdogs, NewStorageWatchdog(cfg.Session.StorageStatePath, cfg.Session.AutoSaveInterval, log))
	}
	if cfg.Session.KeepAliveTab {
		o.watchdogs = append(o.watchdogs, NewKeepAliveWatchdog(log))
	}
	return o
}

// -- Lifecycle --

// Start brings the session to connected: launch or attach, dial, adopt the
// existing tabs, restore storage state and start the watchdogs. Concurrent
// callers converge on one attempt; calling Start on a connected session is a
// no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	switch o.state {
	case schemas.SessionConnected:
		o.mu.Unlock()
		return nil
	case schemas.SessionStarting:
		done := o.startDone
		o.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		o.mu.Lock()
		err := o.startErr
		o.mu.Unlock()
		return err
	case schemas.SessionStopping, schemas.SessionStopped:
		o.mu.Unlock()
		return fmt.Errorf("session already stopped")
	}
	o.state = schemas.SessionStarting
	o.startDone = make(chan struct{})
	o.mu.Unlock()

	err := o.doStart(ctx)

	o.mu.Lock()
	o.startErr = err
	if err != nil {
		o.state = schemas.SessionStopped
	} else {
		o.state = schemas.SessionConnected
	}
	close(o.startDone)
	o.mu.Unlock()
	return err
}

func (o *Orchestrator) doStart(ctx context.Context) (retErr error) {
	endpoint := o.cfg.Browser.AttachURL
	if endpoint == "" {
		o.launcher = launch.NewLauncher(o.cfg.Browser, o.logger)
		handle, err := o.launcher.Launch(ctx)
		if err != nil {
			return err
		}
		o.handle = handle
		endpoint = handle.EndpointURL
		defer func() {
			if retErr != nil {
				cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				_ = handle.Cleanup(cctx)
				cancel()
			}
		}()
	}
	o.endpoint = endpoint

	client, err := o.connect(ctx, endpoint, o.logger)
	if err != nil {
		return events.WrapError(events.ErrStartup, err, "connecting to browser at %s", endpoint)
	}
	defer func() {
		if retErr != nil {
			_ = client.Close()
		}
	}()

	o.mu.Lock()
	o.client = client
	o.pool = cdp.NewPool(client, func(dctx context.Context) (cdp.Conn, error) {
		return defaultConnect(dctx, endpoint, o.logger)
	}, o.logger)
	o.mu.Unlock()

	client.OnNotification(o.onNotification)
	client.OnClose(o.onTransportClosed)

	for _, w := range o.watchdogs {
		w.Register(o)
	}
	defer func() {
		if retErr != nil {
			for _, w := range o.watchdogs {
				w.Stop()
			}
		}
	}()

	params := target.SetDiscoverTargetsParams{Discover: true}
	if err := client.Call(ctx, "", target.CommandSetDiscoverTargets, params, nil); err != nil {
		return events.WrapError(events.ErrStartup, err, "enabling target discovery")
	}

	var targets target.GetTargetsReturns
	if err := client.Call(ctx, "", target.CommandGetTargets, nil, &targets); err != nil {
		return events.WrapError(events.ErrStartup, err, "listing targets")
	}
	for _, info := range targets.TargetInfos {
		if info != nil && info.Type == "page" {
			o.registry.Adopt(string(info.TargetID), info.URL, info.Title)
		}
	}
	if changed, ok := o.registry.SetFocus(0); ok && changed {
		if f, ok := o.registry.Focus(); ok {
			o.bus.Dispatch(events.AgentFocusChanged{Index: f.Index, TargetID: f.TargetID, URL: f.URL})
		}
	}

	if o.cfg.Session.StorageStatePath != "" {
		if err := o.bus.Dispatch(events.LoadStorageState{}).Wait(ctx); err != nil {
			o.logger.Warn("Restoring storage state failed.", zap.Error(err))
		}
	}

	for _, w := range o.watchdogs {
		if err := w.Start(ctx); err != nil {
			return events.WrapError(events.ErrStartup, err, "starting %s watchdog", w.Name())
		}
	}

	o.bus.Dispatch(events.BrowserConnected{EndpointURL: endpoint})
	o.logger.Info("Browser session connected.",
		zap.String("endpoint", endpoint),
		zap.Int("tabs", o.registry.Count()))
	return nil
}

// Stop drains the session: final storage save, the BrowserStopped
// notification, watchdog teardown, bus shutdown and transport/process
// cleanup. Stopping a session that never started is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	switch o.state {
	case schemas.SessionNotStarted:
		o.state = schemas.SessionStopped
		o.mu.Unlock()
		o.bus.Shutdown()
		return nil
	case schemas.SessionStopped:
		o.mu.Unlock()
		return nil
	case schemas.SessionStopping:
		done := o.stopDone
		o.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case schemas.SessionStarting:
		done := o.startDone
		o.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return o.Stop(ctx)
	}
	o.state = schemas.SessionStopping
	o.stopDone = make(chan struct{})
	o.mu.Unlock()

	o.teardown("requested")

	o.mu.Lock()
	o.state = schemas.SessionStopped
	close(o.stopDone)
	o.mu.Unlock()
	return nil
}

// teardown runs with its own deadlines so shutdown completes even when the
// caller's context is already gone.
func (o *Orchestrator) teardown(reason string) {
	if o.cfg.Session.StorageStatePath != "" {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := o.bus.Dispatch(events.SaveStorageState{}).Wait(sctx); err != nil {
			o.logger.Warn("Final storage state save failed.", zap.Error(err))
		}
		cancel()
	}

	bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = o.bus.Dispatch(events.BrowserStopped{Reason: reason}).Wait(bctx)
	cancel()

	for i := len(o.watchdogs) - 1; i >= 0; i-- {
		o.watchdogs[i].Stop()
	}

	o.bus.Shutdown()

	o.mu.Lock()
	pool, client, handle := o.pool, o.client, o.handle
	o.mu.Unlock()

	if pool != nil {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pool.Reset(rctx)
		cancel()
	}
	if client != nil {
		_ = client.Close()
	}
	if handle != nil {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := handle.Cleanup(cctx); err != nil {
			o.logger.Warn("Browser process cleanup failed.", zap.Error(err))
		}
		cancel()
	}
	o.logger.Info("Browser session stopped.", zap.String("reason", reason))
}

// EscalateFatal forces the session down exactly once. Detectors dispatch
// their error event first, then escalate.
func (o *Orchestrator) EscalateFatal(berr *events.BrowserError) {
	o.fatalOnce.Do(func() {
		o.logger.Error("Fatal browser error; stopping session.", zap.Error(berr))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = o.Stop(ctx)
		}()
	})
}

func (o *Orchestrator) onTransportClosed(err error) {
	o.mu.Lock()
	pool := o.pool
	o.mu.Unlock()
	if pool != nil {
		pool.Invalidate()
	}
	if err == nil {
		return
	}
	berr := events.WrapError(events.ErrConnectionLost, err, "browser transport lost")
	o.bus.Dispatch(berr)
	o.EscalateFatal(berr)
}

// onNotification fans decoded protocol events out to the observing
// watchdogs. Runs on the transport's read goroutine.
func (o *Orchestrator) onNotification(n cdp.Notification) {
	ev, err := cdp.DecodeNotification(n)
	if err != nil {
		o.logger.Debug("Dropping undecodable notification.", zap.String("method", n.Method), zap.Error(err))
		return
	}
	if ev == nil {
		return
	}
	for _, obs := range o.observers {
		obs.HandleProtocolEvent(n.SessionID, ev)
	}
}

// -- Host --

func (o *Orchestrator) Bus() *bus.SessionBus                { return o.bus }
func (o *Orchestrator) Registry() *Registry                 { return o.registry }
func (o *Orchestrator) SessionConfig() config.SessionConfig { return o.cfg.Session }
func (o *Orchestrator) Logger() *zap.Logger                 { return o.logger }
func (o *Orchestrator) DownloadsDir() string                { return o.cfg.Browser.DownloadsDir }
func (o *Orchestrator) Allowed(rawURL string) bool          { return o.security.Allowed(rawURL) }
func (o *Orchestrator) FocusedTarget() (string, error)      { return o.registry.FocusedTarget() }

func (o *Orchestrator) Session(ctx context.Context, targetID string) (*cdp.Session, error) {
	o.mu.Lock()
	pool := o.pool
	o.mu.Unlock()
	if pool == nil {
		return nil, fmt.Errorf("session not connected")
	}
	sess, err := pool.GetOrCreate(ctx, targetID, false)
	if err != nil {
		return nil, err
	}
	if err := o.enableDomains(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// enableDomains switches on the page, runtime and network domains the first
// time a protocol session is used, so their notifications start flowing.
func (o *Orchestrator) enableDomains(ctx context.Context, sess *cdp.Session) error {
	o.enabledMu.Lock()
	done := o.enabled[sess.ID]
	o.enabledMu.Unlock()
	if done {
		return nil
	}
	for _, method := range []string{page.CommandEnable, runtime.CommandEnable, network.CommandEnable} {
		if err := sess.Call(ctx, method, nil, nil); err != nil {
			return fmt.Errorf("enabling %s on target %s: %w", method, sess.TargetID, err)
		}
	}
	o.enabledMu.Lock()
	o.enabled[sess.ID] = true
	o.enabledMu.Unlock()
	return nil
}

func (o *Orchestrator) BrowserCall(ctx context.Context, method string, params, out any) error {
	o.mu.Lock()
	client := o.client
	o.mu.Unlock()
	if client == nil {
		return fmt.Errorf("session not connected")
	}
	return client.Call(ctx, "", method, params, out)
}

func (o *Orchestrator) TargetOfSession(sessionID string) (string, bool) {
	o.mu.Lock()
	pool := o.pool
	o.mu.Unlock()
	if pool == nil {
		return "", false
	}
	return pool.TargetOf(sessionID)
}

func (o *Orchestrator) CloseTarget(ctx context.Context, targetID string) error {
	params := target.CloseTargetParams{TargetID: target.ID(targetID)}
	return o.BrowserCall(ctx, target.CommandCloseTarget, params, nil)
}

func (o *Orchestrator) DropSession(targetID string) {
	o.mu.Lock()
	pool := o.pool
	o.mu.Unlock()
	if pool != nil {
		pool.Drop(targetID)
	}
}

func (o *Orchestrator) ProcessRunning() bool {
	o.mu.Lock()
	handle := o.handle
	o.mu.Unlock()
	if handle == nil {
		// Attached to an external browser; liveness shows up as transport
		// loss instead.
		return true
	}
	return handle.Running()
}

// -- Imperative API --

// State returns the coarse lifecycle state.
func (o *Orchestrator) State() schemas.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Tabs snapshots the ordered tab list.
func (o *Orchestrator) Tabs() []schemas.TabInfo { return o.registry.Snapshot() }

// Focus returns the tab holding agent focus.
func (o *Orchestrator) Focus() (schemas.FocusInfo, bool) { return o.registry.Focus() }

// Navigate drives the focused tab to a URL and blocks until the navigation
// settles, fails or times out.
func (o *Orchestrator) Navigate(ctx context.Context, url string) error {
	return o.navigate(ctx, url, false)
}

// OpenTab creates a tab, navigates it and moves agent focus to it.
func (o *Orchestrator) OpenTab(ctx context.Context, url string) error {
	return o.navigate(ctx, url, true)
}

func (o *Orchestrator) navigate(ctx context.Context, url string, newTab bool) error {
	opID := uuid.New()
	window := o.cfg.Session.NavigationTimeout + o.cfg.Session.SettleDelay + 10*time.Second

	// The waiter goes in before the command so the terminal notification
	// cannot slip past between dispatch and await.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := o.bus.ExpectAsync(wctx, events.KindNavigationComplete, func(ev *bus.Event) bool {
		nc, ok := ev.Payload.(events.NavigationComplete)
		return ok && nc.OpID == opID
	}, window)

	if err := o.bus.Dispatch(events.NavigateToURL{URL: url, NewTab: newTab, OpID: opID}).Wait(ctx); err != nil {
		return err
	}
	res := <-done
	if res.Err != nil {
		return res.Err
	}
	nc := res.Event.Payload.(events.NavigationComplete)
	if nc.Failed() {
		return events.NewError(events.ErrNavigation, "%s", nc.ErrorMessage).WithURL(nc.URL).WithTarget(nc.TargetID)
	}
	return nil
}

// Back steps the focused tab back in history; at the edge it is a no-op.
func (o *Orchestrator) Back(ctx context.Context) error {
	return o.bus.Dispatch(events.NavigateBack{}).Wait(ctx)
}

// Forward steps the focused tab forward in history; at the edge it is a
// no-op.
func (o *Orchestrator) Forward(ctx context.Context) error {
	return o.bus.Dispatch(events.NavigateForward{}).Wait(ctx)
}

// Reload reloads the focused tab.
func (o *Orchestrator) Reload(ctx context.Context, ignoreCache bool) error {
	return o.bus.Dispatch(events.ReloadPage{IgnoreCache: ignoreCache}).Wait(ctx)
}

// SwitchTab moves agent focus to the tab at index. Invalid indices are a
// no-op.
func (o *Orchestrator) SwitchTab(ctx context.Context, index int) error {
	return o.bus.Dispatch(events.SwitchTab{Index: index}).Wait(ctx)
}

// CloseTab closes the tab at index and blocks until the browser confirms.
// Invalid indices are a no-op.
func (o *Orchestrator) CloseTab(ctx context.Context, index int) error {
	tab, ok := o.registry.TabAt(index)
	if !ok {
		return nil
	}
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := o.bus.ExpectAsync(wctx, events.KindTabClosed, func(ev *bus.Event) bool {
		tc, ok := ev.Payload.(events.TabClosed)
		return ok && tc.TargetID == tab.TargetID
	}, 10*time.Second)

	if err := o.bus.Dispatch(events.CloseTab{Index: index}).Wait(ctx); err != nil {
		return err
	}
	res := <-done
	return res.Err
}

// Click dispatches a raw click at viewport coordinates on the focused tab.
func (o *Orchestrator) Click(ctx context.Context, x, y float64) error {
	return o.bus.Dispatch(events.Click{X: x, Y: y}).Wait(ctx)
}

// TypeText inserts text into the focused element of the focused tab.
func (o *Orchestrator) TypeText(ctx context.Context, text string) error {
	return o.bus.Dispatch(events.TypeText{Text: text}).Wait(ctx)
}

// SendKeys synthesizes a key chord like "Enter" or "Control+a" on the
// focused tab.
func (o *Orchestrator) SendKeys(ctx context.Context, keys string) error {
	return o.bus.Dispatch(events.SendKeys{Keys: keys}).Wait(ctx)
}

// Scroll dispatches a wheel gesture on the focused tab.
func (o *Orchestrator) Scroll(ctx context.Context, deltaX, deltaY float64) error {
	return o.bus.Dispatch(events.Scroll{DeltaX: deltaX, DeltaY: deltaY}).Wait(ctx)
}

// Screenshot captures the focused tab and returns the image bytes.
func (o *Orchestrator) Screenshot(ctx context.Context, req events.CaptureScreenshot) ([]byte, error) {
	p := o.bus.Dispatch(req)
	if err := p.Wait(ctx); err != nil {
		return nil, err
	}
	data, _ := p.Result().([]byte)
	return data, nil
}

// Evaluate runs an expression on the focused tab and returns the raw JSON of
// its by-value result.
func (o *Orchestrator) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	p := o.bus.Dispatch(events.EvaluateScript{Expression: expression})
	if err := p.Wait(ctx); err != nil {
		return nil, err
	}
	raw, _ := p.Result().(json.RawMessage)
	return raw, nil
}

// Cookies reads the browser's cookie jar.
func (o *Orchestrator) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	p := o.bus.Dispatch(events.GetCookies{})
	if err := p.Wait(ctx); err != nil {
		return nil, err
	}
	cookies, _ := p.Result().([]schemas.Cookie)
	return cookies, nil
}

// SetCookies installs cookies into the browser.
func (o *Orchestrator) SetCookies(ctx context.Context, cookies []schemas.Cookie) error {
	return o.bus.Dispatch(events.SetCookies{Cookies: cookies}).Wait(ctx)
}

// SaveStorageState persists cookies and localStorage to the configured path.
func (o *Orchestrator) SaveStorageState(ctx context.Context) error {
	return o.bus.Dispatch(events.SaveStorageState{}).Wait(ctx)
}

// LoadStorageState restores a previously saved storage document.
func (o *Orchestrator) LoadStorageState(ctx context.Context) error {
	return o.bus.Dispatch(events.LoadStorageState{}).Wait(ctx)
}
