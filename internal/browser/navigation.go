// internal/browser/navigation.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chauffeur/internal/bus"
	"github.com/xkilldash9x/chauffeur/internal/events"
)

// NavigationWatchdog owns tab lifecycle and navigation. It serves the
// navigate/switch/close commands, mirrors target notifications into the
// registry, applies the focus rules and guarantees exactly one TabCreated
// per new tab, carrying the settled URL for operation-owned ones.
type NavigationWatchdog struct {
	host   Host
	logger *zap.Logger

	mu           sync.Mutex
	pendingOwned int                // createTarget issued, created event not yet matched
	owned        map[string]bool    // operation-owned targets with a deferred TabCreated
	inflight     map[string]*navOp  // keyed by target id
	stopc        chan struct{}
	stopOnce     sync.Once
}

// navOp is one in-flight navigation. The protocol side resolves it by
// closing loaded exactly once; the await goroutine then settles and
// announces the terminal NavigationComplete.
type navOp struct {
	opID     uuid.UUID
	targetID string
	url      string
	newTab   bool
	started  time.Time

	loadOnce sync.Once
	loaded   chan struct{}
	errText  string
}

func (op *navOp) resolve(errText string) {
	op.loadOnce.Do(func() {
		op.errText = errText
		close(op.loaded)
	})
}

func NewNavigationWatchdog(logger *zap.Logger) *NavigationWatchdog {
	return &NavigationWatchdog{
		logger:   logger.Named("navigation"),
		owned:    make(map[string]bool),
		inflight: make(map[string]*navOp),
		stopc:    make(chan struct{}),
	}
}

func (w *NavigationWatchdog) Name() string { return "navigation" }

func (w *NavigationWatchdog) Register(h Host) {
	w.host = h
	b := h.Bus()
	b.On(events.KindNavigateToURL, w.Name(), w.onNavigateToURL)
	b.On(events.KindNavigateBack, w.Name(), w.onNavigateBack)
	b.On(events.KindNavigateForward, w.Name(), w.onNavigateForward)
	b.On(events.KindReloadPage, w.Name(), w.onReloadPage)
	b.On(events.KindSwitchTab, w.Name(), w.onSwitchTab)
	b.On(events.KindCloseTab, w.Name(), w.onCloseTab)
}

func (w *NavigationWatchdog) Start(context.Context) error { return nil }

func (w *NavigationWatchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopc) })
}

// -- Command handlers --

func (w *NavigationWatchdog) onNavigateToURL(ctx context.Context, ev *bus.Event) error {
	req := ev.Payload.(events.NavigateToURL)

	if !w.host.Allowed(req.URL) {
		berr := events.NewError(events.ErrSecurityViolation, "navigation blocked by allowlist").WithURL(req.URL)
		w.host.Bus().Dispatch(berr)
		w.host.Bus().Dispatch(events.NavigationComplete{
			URL:          req.URL,
			ErrorMessage: berr.Error(),
			OpID:         req.OpID,
		})
		return berr
	}

	targetID := req.TargetID
	var err error
	if req.NewTab {
		if targetID, err = w.createOwnedTab(ctx); err != nil {
			return w.failEarly(req, err)
		}
	} else if targetID == "" {
		if targetID, err = w.host.FocusedTarget(); err != nil {
			return w.failEarly(req, err)
		}
	}

	sess, err := w.host.Session(ctx, targetID)
	if err != nil {
		return w.failEarly(req, err)
	}

	op := &navOp{
		opID:     req.OpID,
		targetID: targetID,
		url:      req.URL,
		newTab:   req.NewTab,
		started:  time.Now(),
		loaded:   make(chan struct{}),
	}
	w.mu.Lock()
	w.inflight[targetID] = op
	w.mu.Unlock()

	w.host.Bus().Dispatch(events.NavigationStarted{TargetID: targetID, URL: req.URL, OpID: req.OpID})

	cctx, cancel := context.WithTimeout(ctx, w.host.SessionConfig().NavigationTimeout)
	defer cancel()
	var nav page.NavigateReturns
	if err := sess.Call(cctx, page.CommandNavigate, page.NavigateParams{URL: req.URL}, &nav); err != nil {
		op.resolve(err.Error())
		w.finish(op, "")
		return nil
	}
	if nav.ErrorText != "" {
		op.resolve(nav.ErrorText)
		w.finish(op, "")
		return nil
	}

	// The command resolved, the page is loading. A goroutine owns the wait;
	// the dispatch loop moves on.
	go w.await(op)
	return nil
}

// failEarly announces a navigation that never got as far as the browser. The
// terminal NavigationComplete still fires so dispatchers awaiting the OpID
// are released.
func (w *NavigationWatchdog) failEarly(req events.NavigateToURL, cause error) error {
	berr := events.WrapError(events.ErrNavigation, cause, "navigation to %s failed", req.URL).WithURL(req.URL)
	w.host.Bus().Dispatch(berr)
	w.host.Bus().Dispatch(events.NavigationComplete{
		URL:          req.URL,
		ErrorMessage: berr.Error(),
		OpID:         req.OpID,
	})
	return berr
}

// createOwnedTab opens a blank tab the current operation owns. Its
// targetCreated notification is claimed so no TabCreated leaks out before
// the navigation settles.
func (w *NavigationWatchdog) createOwnedTab(ctx context.Context) (string, error) {
	w.mu.Lock()
	w.pendingOwned++
	w.mu.Unlock()

	var res target.CreateTargetReturns
	params := target.CreateTargetParams{URL: "about:blank"}
	if err := w.host.BrowserCall(ctx, target.CommandCreateTarget, params, &res); err != nil {
		w.mu.Lock()
		if w.pendingOwned > 0 {
			w.pendingOwned--
		}
		w.mu.Unlock()
		return "", fmt.Errorf("creating tab: %w", err)
	}
	tid := string(res.TargetID)

	w.mu.Lock()
	if w.owned[tid] {
		// The created notification raced ahead and already claimed it.
	} else {
		if w.pendingOwned > 0 {
			w.pendingOwned--
		}
		w.owned[tid] = true
	}
	w.mu.Unlock()

	w.host.Registry().Adopt(tid, "about:blank", "")
	return tid, nil
}

func (w *NavigationWatchdog) onNavigateBack(ctx context.Context, ev *bus.Event) error {
	return w.historyStep(ctx, -1)
}

func (w *NavigationWatchdog) onNavigateForward(ctx context.Context, ev *bus.Event) error {
	return w.historyStep(ctx, +1)
}

// historyStep moves the focused tab through its navigation history. Stepping
// past either edge is a no-op.
func (w *NavigationWatchdog) historyStep(ctx context.Context, delta int64) error {
	sess, targetID, err := w.focusedSession(ctx)
	if err != nil {
		return err
	}
	var hist page.GetNavigationHistoryReturns
	if err := sess.Call(ctx, page.CommandGetNavigationHistory, nil, &hist); err != nil {
		return fmt.Errorf("reading navigation history of %s: %w", targetID, err)
	}
	idx := hist.CurrentIndex + delta
	if idx < 0 || idx >= int64(len(hist.Entries)) {
		w.logger.Debug("History step out of range; ignoring.",
			zap.String("target_id", targetID),
			zap.Int64("requested", idx))
		return nil
	}
	params := page.NavigateToHistoryEntryParams{EntryID: hist.Entries[idx].ID}
	return sess.Call(ctx, page.CommandNavigateToHistoryEntry, params, nil)
}

func (w *NavigationWatchdog) onReloadPage(ctx context.Context, ev *bus.Event) error {
	req := ev.Payload.(events.ReloadPage)
	sess, _, err := w.focusedSession(ctx)
	if err != nil {
		return err
	}
	return sess.Call(ctx, page.CommandReload, page.ReloadParams{IgnoreCache: req.IgnoreCache}, nil)
}

func (w *NavigationWatchdog) onSwitchTab(ctx context.Context, ev *bus.Event) error {
	req := ev.Payload.(events.SwitchTab)
	tab, ok := w.host.Registry().TabAt(req.Index)
	if !ok {
		w.logger.Warn("Ignoring switch to invalid tab index.", zap.Int("index", req.Index))
		return nil
	}
	if changed, _ := w.host.Registry().SetFocus(req.Index); changed {
		w.host.Bus().Dispatch(events.AgentFocusChanged{Index: req.Index, TargetID: tab.TargetID, URL: tab.URL})
	}

	// Bringing the tab to the browser's own front is cosmetic; agent focus
	// already moved.
	params := target.ActivateTargetParams{TargetID: target.ID(tab.TargetID)}
	if err := w.host.BrowserCall(ctx, target.CommandActivateTarget, params, nil); err != nil {
		w.logger.Debug("Activating tab failed.", zap.String("target_id", tab.TargetID), zap.Error(err))
	}
	return nil
}

func (w *NavigationWatchdog) onCloseTab(ctx context.Context, ev *bus.Event) error {
	req := ev.Payload.(events.CloseTab)
	tab, ok := w.host.Registry().TabAt(req.Index)
	if !ok {
		w.logger.Warn("Ignoring close of invalid tab index.", zap.Int("index", req.Index))
		return nil
	}
	// Registry, focus and the TabClosed notification follow from the
	// destroyed notification, keeping external closes on the same path.
	return w.host.CloseTarget(ctx, tab.TargetID)
}

func (w *NavigationWatchdog) focusedSession(ctx context.Context) (sess sessionCaller, targetID string, err error) {
	targetID, err = w.host.FocusedTarget()
	if err != nil {
		return nil, "", err
	}
	s, err := w.host.Session(ctx, targetID)
	if err != nil {
		return nil, targetID, err
	}
	return s, targetID, nil
}

// sessionCaller is the slice of cdp.Session the handlers need.
type sessionCaller interface {
	Call(ctx context.Context, method string, params, out any) error
}

// -- Navigation settlement --

func (w *NavigationWatchdog) await(op *navOp) {
	cfg := w.host.SessionConfig()
	timer := time.NewTimer(cfg.NavigationTimeout)
	defer timer.Stop()

	select {
	case <-op.loaded:
		w.finish(op, w.settledURL(op))
	case <-timer.C:
		op.resolve(fmt.Sprintf("navigation timed out after %s", cfg.NavigationTimeout))
		w.finish(op, "")
	case <-w.stopc:
	}
}

// settledURL pauses briefly for client-side redirects, then reads the URL
// the target actually ended up on.
func (w *NavigationWatchdog) settledURL(op *navOp) string {
	select {
	case <-time.After(w.host.SessionConfig().SettleDelay):
	case <-w.stopc:
		return op.url
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var res target.GetTargetInfoReturns
	params := target.GetTargetInfoParams{TargetID: target.ID(op.targetID)}
	if err := w.host.BrowserCall(ctx, target.CommandGetTargetInfo, params, &res); err != nil || res.TargetInfo == nil {
		return op.url
	}
	return res.TargetInfo.URL
}

// finish emits the terminal notifications for one navigation: an error event
// if it failed, NavigationComplete always, and for operation-owned tabs the
// deferred TabCreated plus the focus move to the new tab.
func (w *NavigationWatchdog) finish(op *navOp, finalURL string) {
	w.mu.Lock()
	if cur, ok := w.inflight[op.targetID]; !ok || cur != op {
		w.mu.Unlock()
		return
	}
	delete(w.inflight, op.targetID)
	ownedTab := w.owned[op.targetID]
	delete(w.owned, op.targetID)
	w.mu.Unlock()

	if finalURL == "" {
		finalURL = op.url
	}
	w.host.Registry().UpdateInfo(op.targetID, finalURL, "")

	if op.errText != "" {
		w.host.Bus().Dispatch(events.NewError(events.ErrNavigation, "%s", op.errText).
			WithTarget(op.targetID).
			WithURL(op.url).
			WithElapsed(time.Since(op.started)))
	}
	w.host.Bus().Dispatch(events.NavigationComplete{
		TargetID:     op.targetID,
		URL:          finalURL,
		ErrorMessage: op.errText,
		OpID:         op.opID,
	})

	if ownedTab {
		if idx, ok := w.host.Registry().IndexOf(op.targetID); ok {
			w.host.Bus().Dispatch(events.TabCreated{Index: idx, TargetID: op.targetID, URL: finalURL})
			if changed, _ := w.host.Registry().SetFocus(idx); changed {
				w.host.Bus().Dispatch(events.AgentFocusChanged{Index: idx, TargetID: op.targetID, URL: finalURL})
			}
		}
	}
}

// -- Protocol notifications --

func (w *NavigationWatchdog) HandleProtocolEvent(sessionID string, ev any) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		if e.TargetInfo != nil && e.TargetInfo.Type == "page" {
			w.onTargetCreated(string(e.TargetInfo.TargetID), e.TargetInfo.URL, e.TargetInfo.Title)
		}
	case *target.EventTargetDestroyed:
		w.onTargetDestroyed(string(e.TargetID))
	case *target.EventTargetInfoChanged:
		if e.TargetInfo != nil && e.TargetInfo.Type == "page" {
			w.host.Registry().UpdateInfo(string(e.TargetInfo.TargetID), e.TargetInfo.URL, e.TargetInfo.Title)
		}
	case *page.EventLoadEventFired:
		w.resolveBySession(sessionID, "")
	case *page.EventNavigatedWithinDocument:
		w.resolveBySession(sessionID, "")
	case *page.EventFrameNavigated:
		if e.Frame != nil && e.Frame.ParentID == "" {
			if tid, ok := w.host.TargetOfSession(sessionID); ok {
				w.host.Registry().UpdateInfo(tid, e.Frame.URL, "")
			}
		}
	}
}

func (w *NavigationWatchdog) resolveBySession(sessionID, errText string) {
	tid, ok := w.host.TargetOfSession(sessionID)
	if !ok {
		return
	}
	w.mu.Lock()
	op := w.inflight[tid]
	w.mu.Unlock()
	if op != nil {
		op.resolve(errText)
	}
}

// onTargetCreated distinguishes operation-owned tabs, whose TabCreated is
// deferred until their navigation settles, from external tabs (popups,
// user-opened), which announce immediately and grab focus as the newest tab.
func (w *NavigationWatchdog) onTargetCreated(targetID, url, title string) {
	w.mu.Lock()
	if w.owned[targetID] {
		w.mu.Unlock()
		w.host.Registry().Adopt(targetID, url, title)
		return
	}
	if w.pendingOwned > 0 && (url == "" || url == "about:blank") {
		w.pendingOwned--
		w.owned[targetID] = true
		w.mu.Unlock()
		w.host.Registry().Adopt(targetID, url, title)
		return
	}
	w.mu.Unlock()

	idx, added := w.host.Registry().Adopt(targetID, url, title)
	if !added {
		return
	}
	w.host.Bus().Dispatch(events.TabCreated{Index: idx, TargetID: targetID, URL: url})
	if changed, _ := w.host.Registry().SetFocus(idx); changed {
		w.host.Bus().Dispatch(events.AgentFocusChanged{Index: idx, TargetID: targetID, URL: url})
	}
}

func (w *NavigationWatchdog) onTargetDestroyed(targetID string) {
	w.mu.Lock()
	op := w.inflight[targetID]
	w.mu.Unlock()
	if op != nil {
		op.resolve("target closed during navigation")
	}

	idx, wasFocused, ok := w.host.Registry().Remove(targetID)
	if !ok {
		return
	}
	w.host.DropSession(targetID)
	w.host.Bus().Dispatch(events.TabClosed{Index: idx, TargetID: targetID})

	if wasFocused {
		if f, ok := w.host.Registry().Focus(); ok {
			w.host.Bus().Dispatch(events.AgentFocusChanged{Index: f.Index, TargetID: f.TargetID, URL: f.URL})
		}
	}
}
