// internal/browser/keepalive.go
package browser

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/chauffeur/internal/bus"
	"github.com/xkilldash9x/chauffeur/internal/events"
)

// KeepAliveWatchdog reopens an about:blank tab whenever the last tab closes,
// so a connected session always has a usable target for the next command.
type KeepAliveWatchdog struct {
	host   Host
	logger *zap.Logger
}

func NewKeepAliveWatchdog(logger *zap.Logger) *KeepAliveWatchdog {
	return &KeepAliveWatchdog{logger: logger.Named("keepalive")}
}

func (w *KeepAliveWatchdog) Name() string { return "keepalive" }

func (w *KeepAliveWatchdog) Register(h Host) {
	w.host = h
	h.Bus().On(events.KindTabClosed, w.Name(), w.onTabClosed)
}

func (w *KeepAliveWatchdog) Start(context.Context) error { return nil }
func (w *KeepAliveWatchdog) Stop()                       {}

func (w *KeepAliveWatchdog) onTabClosed(ctx context.Context, ev *bus.Event) error {
	if w.host.Registry().Count() > 0 {
		return nil
	}
	w.logger.Info("Last tab closed; opening a blank keeper tab.")

	// The replacement runs through the ordinary navigation path, off the
	// dispatch loop.
	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		p := w.host.Bus().Dispatch(events.NavigateToURL{URL: "about:blank", NewTab: true})
		if err := p.Wait(cctx); err != nil {
			w.logger.Warn("Failed to open keeper tab.", zap.Error(err))
		}
	}()
	return nil
}
