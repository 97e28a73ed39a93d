// internal/browser/crash.go
package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chauffeur/internal/cdp"
	"github.com/xkilldash9x/chauffeur/internal/events"
)

// Responsiveness probes run on every probeEveryTicks'th health poll, so at
// the default cadence the focused tab is probed every five seconds.
const probeEveryTicks = 5

// CrashWatchdog is the session's health monitor. It tracks outstanding
// network requests against the network timeout, probes the focused tab for
// responsiveness, verifies the launched process is alive and relays
// page-level crash notifications.
type CrashWatchdog struct {
	host   Host
	logger *zap.Logger

	mu       sync.Mutex
	requests map[string]*trackedRequest

	stopc    chan struct{}
	stopOnce sync.Once
	started  bool
	done     chan struct{}
}

// trackedRequest is one network request that has started but not finished.
type trackedRequest struct {
	sessionID string
	url       string
	started   time.Time
}

func NewCrashWatchdog(logger *zap.Logger) *CrashWatchdog {
	return &CrashWatchdog{
		logger:   logger.Named("crash"),
		requests: make(map[string]*trackedRequest),
		stopc:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *CrashWatchdog) Name() string { return "crash" }

func (w *CrashWatchdog) Register(h Host) { w.host = h }

func (w *CrashWatchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.loop()
	return nil
}

func (w *CrashWatchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopc) })
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
}

func (w *CrashWatchdog) HandleProtocolEvent(sessionID string, ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		w.track(sessionID, string(e.RequestID), e.Request)
	case *network.EventLoadingFinished:
		w.untrack(sessionID, string(e.RequestID))
	case *network.EventLoadingFailed:
		w.untrack(sessionID, string(e.RequestID))
	case *target.EventTargetCrashed:
		w.host.Bus().Dispatch(events.TargetCrashed{
			TargetID:  string(e.TargetID),
			Status:    e.Status,
			ErrorCode: e.ErrorCode,
		})
	}
}

func (w *CrashWatchdog) track(sessionID, requestID string, req *network.Request) {
	if req == nil {
		return
	}
	w.mu.Lock()
	w.requests[sessionID+"/"+requestID] = &trackedRequest{
		sessionID: sessionID,
		url:       req.URL,
		started:   time.Now(),
	}
	w.mu.Unlock()
}

func (w *CrashWatchdog) untrack(sessionID, requestID string) {
	w.mu.Lock()
	delete(w.requests, sessionID+"/"+requestID)
	w.mu.Unlock()
}

func (w *CrashWatchdog) loop() {
	defer close(w.done)
	cfg := w.host.SessionConfig()
	ticker := time.NewTicker(cfg.HealthPoll)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-w.stopc:
			return
		case <-ticker.C:
		}

		if !w.host.ProcessRunning() {
			berr := events.NewError(events.ErrProcessCrashed, "browser process exited unexpectedly")
			w.host.Bus().Dispatch(berr)
			w.host.EscalateFatal(berr)
			return
		}

		w.reapTimedOut(cfg.NetworkTimeout)

		tick++
		if tick%probeEveryTicks == 0 {
			w.probeFocused(cfg.EvalProbeTimeout)
		}
	}
}

// reapTimedOut emits one NetworkTimeout per expired request. The entry is
// removed as it fires, so a hung request is reported exactly once.
func (w *CrashWatchdog) reapTimedOut(timeout time.Duration) {
	now := time.Now()

	w.mu.Lock()
	var expired []*trackedRequest
	for key, r := range w.requests {
		if now.Sub(r.started) > timeout {
			expired = append(expired, r)
			delete(w.requests, key)
		}
	}
	w.mu.Unlock()

	for _, r := range expired {
		berr := events.NewError(events.ErrNetworkTimeout, "request exceeded the network timeout").
			WithURL(r.url).
			WithElapsed(now.Sub(r.started))
		if tid, ok := w.host.TargetOfSession(r.sessionID); ok {
			berr = berr.WithTarget(tid)
		}
		w.host.Bus().Dispatch(berr)
	}
}

// probeFocused evaluates a trivial expression on the focused tab. A tab
// whose main thread is wedged cannot answer before the probe deadline.
func (w *CrashWatchdog) probeFocused(timeout time.Duration) {
	targetID, err := w.host.FocusedTarget()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sess, err := w.host.Session(ctx, targetID)
	if err != nil {
		return
	}
	started := time.Now()
	err = sess.Call(ctx, runtime.CommandEvaluate, runtime.EvaluateParams{Expression: "1"}, nil)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		w.host.Bus().Dispatch(events.NewError(events.ErrPageUnresponsive, "focused tab did not answer the responsiveness probe").
			WithTarget(targetID).
			WithElapsed(time.Since(started)))
	case errors.Is(err, cdp.ErrConnectionLost), errors.Is(err, cdp.ErrClientClosed), errors.Is(err, cdp.ErrSessionClosed):
		// Transport loss is escalated by its own close callback.
	default:
		w.logger.Debug("Responsiveness probe errored.", zap.String("target_id", targetID), zap.Error(err))
	}
}
