// internal/browser/orchestrator_test.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/chauffeur/api/schemas"
	"github.com/xkilldash9x/chauffeur/internal/bus"
	"github.com/xkilldash9x/chauffeur/internal/cdp"
	"github.com/xkilldash9x/chauffeur/internal/config"
	"github.com/xkilldash9x/chauffeur/internal/events"
)

// fakeBrowser scripts a remote-debugging endpoint in-process: it answers the
// protocol commands the orchestrator issues and pushes notifications through
// the registered handler, the same way the real transport's read goroutine
// would.
type fakeBrowser struct {
	mu       sync.Mutex
	notify   cdp.NotificationHandler
	onClose  func(error)
	closed   bool
	done     chan struct{}
	calls    []string
	targets  map[string]*target.Info
	sessions map[string]string // session id -> target id
	nextID   int
	navErr   string // non-empty makes Page.navigate return an error text
	stallNav bool   // accept Page.navigate but never fire the load event
	hangEval bool   // make Runtime.evaluate block until its context ends
}

func newFakeBrowser(initial ...string) *fakeBrowser {
	f := &fakeBrowser{
		done:     make(chan struct{}),
		targets:  make(map[string]*target.Info),
		sessions: make(map[string]string),
	}
	for i, url := range initial {
		tid := fmt.Sprintf("TARGET-%d", i)
		f.targets[tid] = &target.Info{TargetID: target.ID(tid), Type: "page", URL: url}
	}
	return f
}

func (f *fakeBrowser) OnNotification(h cdp.NotificationHandler) {
	f.mu.Lock()
	f.notify = h
	f.mu.Unlock()
}

func (f *fakeBrowser) OnClose(cb func(error)) {
	f.mu.Lock()
	f.onClose = cb
	f.mu.Unlock()
}

func (f *fakeBrowser) Done() <-chan struct{} { return f.done }

func (f *fakeBrowser) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	cb := f.onClose
	close(f.done)
	f.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
	return nil
}

func (f *fakeBrowser) AttachTarget(ctx context.Context, targetID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.targets[targetID]; !ok {
		return "", fmt.Errorf("no target %s", targetID)
	}
	f.nextID++
	sid := fmt.Sprintf("SESSION-%d", f.nextID)
	f.sessions[sid] = targetID
	return sid, nil
}

func (f *fakeBrowser) DetachTarget(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	delete(f.sessions, sessionID)
	f.mu.Unlock()
	return nil
}

// emit pushes one notification at the orchestrator, JSON-encoded like the
// wire would carry it.
func (f *fakeBrowser) emit(sessionID, method string, params any) {
	f.mu.Lock()
	h := f.notify
	f.mu.Unlock()
	if h == nil {
		return
	}
	raw, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	h(cdp.Notification{SessionID: sessionID, Method: method, Params: raw})
}

func (f *fakeBrowser) Call(ctx context.Context, sessionID, method string, params, out any) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()

	reply := func(v any) error {
		if out == nil {
			return nil
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, out)
	}

	switch method {
	case target.CommandSetDiscoverTargets, target.CommandActivateTarget,
		page.CommandEnable, "Runtime.enable", "Network.enable":
		return nil

	case target.CommandGetTargets:
		f.mu.Lock()
		ret := target.GetTargetsReturns{}
		for _, info := range f.targets {
			ret.TargetInfos = append(ret.TargetInfos, info)
		}
		f.mu.Unlock()
		return reply(ret)

	case target.CommandCreateTarget:
		f.mu.Lock()
		f.nextID++
		tid := fmt.Sprintf("TARGET-NEW-%d", f.nextID)
		info := &target.Info{TargetID: target.ID(tid), Type: "page", URL: "about:blank"}
		f.targets[tid] = info
		f.mu.Unlock()
		// The created notification races the command response in the real
		// browser; delivering it first exercises the claim path.
		f.emit("", "Target.targetCreated", map[string]any{"targetInfo": info})
		return reply(target.CreateTargetReturns{TargetID: target.ID(tid)})

	case target.CommandCloseTarget:
		var req struct {
			TargetID string `json:"targetId"`
		}
		raw, _ := json.Marshal(params)
		_ = json.Unmarshal(raw, &req)
		f.mu.Lock()
		delete(f.targets, req.TargetID)
		f.mu.Unlock()
		f.emit("", "Target.targetDestroyed", map[string]any{"targetId": req.TargetID})
		return nil

	case target.CommandGetTargetInfo:
		var req struct {
			TargetID string `json:"targetId"`
		}
		raw, _ := json.Marshal(params)
		_ = json.Unmarshal(raw, &req)
		f.mu.Lock()
		info, ok := f.targets[req.TargetID]
		f.mu.Unlock()
		if !ok {
			return fmt.Errorf("no target %s", req.TargetID)
		}
		return reply(target.GetTargetInfoReturns{TargetInfo: info})

	case page.CommandNavigate:
		var req struct {
			URL string `json:"url"`
		}
		raw, _ := json.Marshal(params)
		_ = json.Unmarshal(raw, &req)

		f.mu.Lock()
		navErr := f.navErr
		stall := f.stallNav
		tid := f.sessions[sessionID]
		if info, ok := f.targets[tid]; ok && navErr == "" {
			info.URL = req.URL
		}
		f.mu.Unlock()
		if navErr != "" {
			return reply(page.NavigateReturns{FrameID: "FRAME-1", ErrorText: navErr})
		}
		if stall {
			return reply(page.NavigateReturns{FrameID: "FRAME-1"})
		}
		// Load completion arrives after the command returns.
		go f.emit(sessionID, "Page.loadEventFired", map[string]any{"timestamp": 1.0})
		return reply(page.NavigateReturns{FrameID: "FRAME-1"})

	case "Runtime.evaluate":
		f.mu.Lock()
		hang := f.hangEval
		f.mu.Unlock()
		if hang {
			<-ctx.Done()
			return ctx.Err()
		}
		return reply(map[string]any{"result": map[string]any{"type": "number", "value": 1}})

	default:
		return fmt.Errorf("fake browser: unscripted method %s", method)
	}
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		NavigationTimeout: 5 * time.Second,
		NetworkTimeout:    5 * time.Second,
		HealthPoll:        time.Hour,
		EvalProbeTimeout:  time.Second,
		DialogTimeout:     time.Second,
		SettleDelay:       time.Millisecond,
	}
}

func newTestOrchestrator(t *testing.T, fake *fakeBrowser, mutate func(*config.Config)) *Orchestrator {
	t.Helper()
	cfg := &config.Config{
		Browser: config.BrowserConfig{AttachURL: "ws://fake"},
		Session: testSessionConfig(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	o := NewOrchestrator(cfg, zaptest.NewLogger(t))
	o.connect = func(ctx context.Context, endpoint string, logger *zap.Logger) (protocolConn, error) {
		return fake, nil
	}
	return o
}

// recordKinds subscribes a recording handler for the given kinds. Must be
// called before Start so no notification is missed.
func recordKinds(o *Orchestrator, kinds ...events.Kind) func() []events.Kind {
	var mu sync.Mutex
	var seen []events.Kind
	for _, k := range kinds {
		o.Bus().On(k, "test-recorder", func(ctx context.Context, ev *bus.Event) error {
			mu.Lock()
			seen = append(seen, ev.Payload.Kind())
			mu.Unlock()
			return nil
		})
	}
	return func() []events.Kind {
		mu.Lock()
		defer mu.Unlock()
		out := make([]events.Kind, len(seen))
		copy(out, seen)
		return out
	}
}

func TestOrchestratorStartAdoptsExistingTabs(t *testing.T) {
	fake := newFakeBrowser("https://example.com/", "https://example.org/")
	o := newTestOrchestrator(t, fake, nil)
	seen := recordKinds(o, events.KindBrowserConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop(ctx)

	assert.Equal(t, 2, len(o.Tabs()))
	focus, ok := o.Focus()
	require.True(t, ok, "a started session with tabs must hold focus")
	assert.Equal(t, 0, focus.Index)

	require.Eventually(t, func() bool {
		return len(seen()) == 1
	}, time.Second, 10*time.Millisecond, "exactly one BrowserConnected")
}

func TestOrchestratorStartIsIdempotent(t *testing.T) {
	fake := newFakeBrowser("https://example.com/")
	o := newTestOrchestrator(t, fake, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Start(ctx), "second Start must be a no-op")
	require.NoError(t, o.Stop(ctx))
}

func TestOrchestratorConcurrentStart(t *testing.T) {
	fake := newFakeBrowser("https://example.com/")
	o := newTestOrchestrator(t, fake, nil)
	seen := recordKinds(o, events.KindBrowserConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = o.Start(ctx)
		}(i)
	}
	wg.Wait()
	defer o.Stop(ctx)

	for i, err := range errs {
		require.NoErrorf(t, err, "Start call %d", i)
	}
	assert.Equal(t, schemas.SessionConnected, o.State())
	assert.Len(t, o.Tabs(), 1)

	require.Eventually(t, func() bool {
		return len(seen()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		return len(seen()) > 1
	}, 200*time.Millisecond, 50*time.Millisecond, "a burst of Start calls connects once")
}

func TestOrchestratorNavigateTimesOut(t *testing.T) {
	fake := newFakeBrowser("about:blank")
	fake.stallNav = true
	o := newTestOrchestrator(t, fake, func(cfg *config.Config) {
		cfg.Session.NavigationTimeout = 100 * time.Millisecond
	})

	var mu sync.Mutex
	var completes []events.NavigationComplete
	o.Bus().On(events.KindNavigationComplete, "test-recorder", func(ctx context.Context, ev *bus.Event) error {
		mu.Lock()
		completes = append(completes, ev.Payload.(events.NavigationComplete))
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop(ctx)

	err := o.Navigate(ctx, "https://slow.example/")
	require.Error(t, err, "a navigation whose load event never fires must fail")
	assert.Contains(t, err.Error(), "timed out")

	// The terminal notification settles exactly once and carries the reason.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completes) == 1
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, completes[0].ErrorMessage, "timed out")
}

func TestOrchestratorSilentBrowserDoesNotWedgeDispatch(t *testing.T) {
	fake := newFakeBrowser("https://example.com/")
	fake.hangEval = true
	o := newTestOrchestrator(t, fake, func(cfg *config.Config) {
		cfg.Session.NetworkTimeout = 100 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop(ctx)

	start := time.Now()
	_, err := o.Evaluate(ctx, "1 + 1")
	require.Error(t, err, "a command the browser never answers must fail, not hang")
	assert.Less(t, time.Since(start), 5*time.Second)

	// The dispatch loop is free again after the budget expires.
	require.NoError(t, o.Navigate(ctx, "https://example.com/next"))
}

func TestOrchestratorNavigateSucceeds(t *testing.T) {
	fake := newFakeBrowser("about:blank")
	o := newTestOrchestrator(t, fake, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop(ctx)

	require.NoError(t, o.Navigate(ctx, "https://example.com/landing"))

	tabs := o.Tabs()
	require.Len(t, tabs, 1)
	assert.Equal(t, "https://example.com/landing", tabs[0].URL)
}

func TestOrchestratorNavigateReportsBrowserError(t *testing.T) {
	fake := newFakeBrowser("about:blank")
	fake.navErr = "net::ERR_NAME_NOT_RESOLVED"
	o := newTestOrchestrator(t, fake, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop(ctx)

	err := o.Navigate(ctx, "https://doesnotexist.invalid/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERR_NAME_NOT_RESOLVED")
}

func TestOrchestratorNavigateBlockedByAllowlist(t *testing.T) {
	fake := newFakeBrowser("about:blank")
	o := newTestOrchestrator(t, fake, func(cfg *config.Config) {
		cfg.Session.AllowedDomains = []string{"allowed.example.com"}
	})
	seen := recordKinds(o, events.KindBrowserError)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop(ctx)

	err := o.Navigate(ctx, "https://evil.example.net/")
	require.Error(t, err, "a navigation outside the allowlist must fail")

	require.Eventually(t, func() bool {
		return len(seen()) >= 1
	}, time.Second, 10*time.Millisecond, "the violation must surface as an error event")

	// The session survives a blocked navigation.
	require.NoError(t, o.Navigate(ctx, "https://allowed.example.com/"))
}

func TestOrchestratorOpenTabAnnouncesOnceAndFocuses(t *testing.T) {
	fake := newFakeBrowser("https://example.com/")
	o := newTestOrchestrator(t, fake, nil)
	created := recordKinds(o, events.KindTabCreated)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop(ctx)

	require.NoError(t, o.OpenTab(ctx, "https://example.org/new"))
	require.Len(t, o.Tabs(), 2)

	// The created tab's announcement and focus move trail the navigation's
	// completion on the dispatch loop.
	require.Eventually(t, func() bool {
		f, ok := o.Focus()
		return ok && f.Index == 1 && f.URL == "https://example.org/new"
	}, time.Second, 10*time.Millisecond,
		"focus must move to the created tab with its settled URL")

	require.Eventually(t, func() bool {
		return len(created()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		return len(created()) > 1
	}, 200*time.Millisecond, 50*time.Millisecond, "exactly one TabCreated per owned tab")
}

func TestOrchestratorCloseTabMovesFocus(t *testing.T) {
	fake := newFakeBrowser("https://one.example/", "https://two.example/", "https://three.example/")
	o := newTestOrchestrator(t, fake, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop(ctx)

	require.NoError(t, o.SwitchTab(ctx, 1))
	require.NoError(t, o.CloseTab(ctx, 1))

	require.Len(t, o.Tabs(), 2)
	focus, ok := o.Focus()
	require.True(t, ok)
	assert.Equal(t, 1, focus.Index, "focus falls to the tab now occupying the closed index")
}

func TestOrchestratorCloseTabInvalidIndexIsNoop(t *testing.T) {
	fake := newFakeBrowser("https://example.com/")
	o := newTestOrchestrator(t, fake, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop(ctx)

	require.NoError(t, o.CloseTab(ctx, 7))
	assert.Len(t, o.Tabs(), 1)
}

func TestOrchestratorExternalTabTakesFocus(t *testing.T) {
	fake := newFakeBrowser("https://example.com/")
	o := newTestOrchestrator(t, fake, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop(ctx)

	// A popup the session never asked for.
	info := &target.Info{TargetID: "TARGET-POPUP", Type: "page", URL: "https://popup.example/"}
	fake.mu.Lock()
	fake.targets["TARGET-POPUP"] = info
	fake.mu.Unlock()
	fake.emit("", "Target.targetCreated", map[string]any{"targetInfo": info})

	require.Eventually(t, func() bool {
		f, ok := o.Focus()
		return ok && f.TargetID == "TARGET-POPUP"
	}, time.Second, 10*time.Millisecond, "an external tab announces immediately and takes focus")
	assert.Len(t, o.Tabs(), 2)
}

func TestOrchestratorStopIsIdempotent(t *testing.T) {
	fake := newFakeBrowser("https://example.com/")
	o := newTestOrchestrator(t, fake, nil)
	stopped := recordKinds(o, events.KindBrowserStopped)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))

	require.NoError(t, o.Stop(ctx))
	require.NoError(t, o.Stop(ctx))

	assert.Equal(t, []events.Kind{events.KindBrowserStopped}, stopped(),
		"exactly one BrowserStopped per session")
	assert.True(t, fake.closed, "the transport must be closed on Stop")
}

func TestOrchestratorStopWithoutStart(t *testing.T) {
	o := newTestOrchestrator(t, newFakeBrowser(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))
}
