// internal/browser/downloads.go
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chauffeur/internal/events"
)

// arrivalWindow bounds how long a completed download may take to show up on
// disk before it is reported as lost.
const arrivalWindow = 10 * time.Second

// DownloadWatchdog routes downloads into the configured directory and
// announces each one once the browser reports completion AND the file has
// actually arrived on disk. Arrival is observed through fsnotify, with a
// stat fallback for files that landed before the watch was in place.
type DownloadWatchdog struct {
	host   Host
	logger *zap.Logger
	dir    string

	watcher *fsnotify.Watcher

	mu       sync.Mutex
	inflight map[string]*downloadState // by protocol guid
	arrived  map[string]time.Time      // by base filename

	stopc    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type downloadState struct {
	url      string
	fileName string
	started  time.Time
}

func NewDownloadWatchdog(logger *zap.Logger) *DownloadWatchdog {
	return &DownloadWatchdog{
		logger:   logger.Named("downloads"),
		inflight: make(map[string]*downloadState),
		arrived:  make(map[string]time.Time),
		stopc:    make(chan struct{}),
	}
}

func (w *DownloadWatchdog) Name() string { return "downloads" }

func (w *DownloadWatchdog) Register(h Host) { w.host = h }

func (w *DownloadWatchdog) Start(ctx context.Context) error {
	w.dir = w.host.DownloadsDir()
	if w.dir == "" {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating downloads dir %s: %w", w.dir, err)
	}

	params := cdpbrowser.SetDownloadBehaviorParams{
		Behavior:      cdpbrowser.SetDownloadBehaviorBehaviorAllow,
		DownloadPath:  w.dir,
		EventsEnabled: true,
	}
	if err := w.host.BrowserCall(ctx, cdpbrowser.CommandSetDownloadBehavior, params, nil); err != nil {
		return fmt.Errorf("setting download behavior: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting download watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.watcher = watcher

	w.wg.Add(1)
	go w.watchLoop()
	return nil
}

func (w *DownloadWatchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopc) })
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.wg.Wait()
}

func (w *DownloadWatchdog) HandleProtocolEvent(sessionID string, ev any) {
	switch e := ev.(type) {
	case *cdpbrowser.EventDownloadWillBegin:
		w.mu.Lock()
		w.inflight[e.GUID] = &downloadState{
			url:      e.URL,
			fileName: e.SuggestedFilename,
			started:  time.Now(),
		}
		w.mu.Unlock()
		w.logger.Debug("Download starting.", zap.String("url", e.URL), zap.String("file", e.SuggestedFilename))

	case *cdpbrowser.EventDownloadProgress:
		switch e.State {
		case cdpbrowser.DownloadProgressStateCompleted:
			w.mu.Lock()
			st := w.inflight[e.GUID]
			delete(w.inflight, e.GUID)
			w.mu.Unlock()
			if st != nil {
				w.wg.Add(1)
				go w.confirmArrival(st)
			}
		case cdpbrowser.DownloadProgressStateCanceled:
			w.mu.Lock()
			delete(w.inflight, e.GUID)
			w.mu.Unlock()
		}
	}
}

// watchLoop records filesystem arrivals. Chromium writes to a .crdownload
// file first and renames into place, so the interesting events are creates
// and renames of the final name.
func (w *DownloadWatchdog) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopc:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasSuffix(name, ".crdownload") || strings.HasSuffix(name, ".tmp") {
				continue
			}
			w.mu.Lock()
			w.arrived[name] = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Download watcher error.", zap.Error(err))
		}
	}
}

// confirmArrival waits for the completed download to exist on disk, then
// announces it. The browser reports completion slightly before the rename
// lands, hence the polling window.
func (w *DownloadWatchdog) confirmArrival(st *downloadState) {
	defer w.wg.Done()
	path := filepath.Join(w.dir, st.fileName)
	deadline := time.Now().Add(arrivalWindow)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		w.mu.Lock()
		_, seen := w.arrived[st.fileName]
		w.mu.Unlock()

		if info, err := os.Stat(path); err == nil && (seen || info.Size() > 0) {
			w.host.Bus().Dispatch(events.FileDownloaded{
				URL:      st.url,
				Path:     path,
				FileName: st.fileName,
				FileSize: info.Size(),
				FileType: strings.TrimPrefix(filepath.Ext(st.fileName), "."),
			})
			return
		}
		if time.Now().After(deadline) {
			w.logger.Warn("Download reported complete but the file never arrived.",
				zap.String("url", st.url), zap.String("path", path))
			return
		}
		select {
		case <-w.stopc:
			return
		case <-ticker.C:
		}
	}
}
