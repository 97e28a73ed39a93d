// internal/browser/popups.go
package browser

import (
	"context"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chauffeur/internal/bus"
	"github.com/xkilldash9x/chauffeur/internal/events"
)

// PopupWatchdog keeps JavaScript dialogs from wedging a tab. Every
// alert/confirm/prompt/beforeunload is announced on the bus and then
// auto-accepted, followed by a trivial evaluation to confirm the page's main
// thread is executing again.
type PopupWatchdog struct {
	host   Host
	logger *zap.Logger
}

func NewPopupWatchdog(logger *zap.Logger) *PopupWatchdog {
	return &PopupWatchdog{logger: logger.Named("popups")}
}

func (w *PopupWatchdog) Name() string { return "popups" }

func (w *PopupWatchdog) Register(h Host) {
	w.host = h
	h.Bus().On(events.KindDialogOpened, w.Name(), w.onDialogOpened)
}

func (w *PopupWatchdog) Start(context.Context) error { return nil }
func (w *PopupWatchdog) Stop()                       {}

func (w *PopupWatchdog) HandleProtocolEvent(sessionID string, ev any) {
	e, ok := ev.(*page.EventJavascriptDialogOpening)
	if !ok {
		return
	}
	targetID, ok := w.host.TargetOfSession(sessionID)
	if !ok {
		return
	}
	w.host.Bus().Dispatch(events.DialogOpened{
		TargetID:   targetID,
		DialogType: string(e.Type),
		Message:    e.Message,
		URL:        e.URL,
	})
}

func (w *PopupWatchdog) onDialogOpened(ctx context.Context, ev *bus.Event) error {
	d := ev.Payload.(events.DialogOpened)
	w.logger.Info("Auto-accepting JavaScript dialog.",
		zap.String("target_id", d.TargetID),
		zap.String("type", d.DialogType),
		zap.String("message", d.Message))

	cctx, cancel := context.WithTimeout(ctx, w.host.SessionConfig().DialogTimeout)
	defer cancel()

	sess, err := w.host.Session(cctx, d.TargetID)
	if err != nil {
		return err
	}
	params := page.HandleJavaScriptDialogParams{Accept: true}
	if err := sess.Call(cctx, page.CommandHandleJavaScriptDialog, params, nil); err != nil {
		return err
	}

	// The page should be executing again; a failed sanity check is worth a
	// log line but nothing more.
	if err := sess.Call(cctx, runtime.CommandEvaluate, runtime.EvaluateParams{Expression: "1+1"}, nil); err != nil {
		w.logger.Warn("Tab still unresponsive after dialog was accepted.",
			zap.String("target_id", d.TargetID), zap.Error(err))
	}
	return nil
}
