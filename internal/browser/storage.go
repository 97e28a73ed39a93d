// internal/browser/storage.go
package browser

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/chauffeur/api/schemas"
	"github.com/xkilldash9x/chauffeur/internal/bus"
	"github.com/xkilldash9x/chauffeur/internal/events"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// changePollInterval is how often the monitor samples the cookie jar for
// changes. Actual saves are additionally throttled by the auto-save limiter.
const changePollInterval = 5 * time.Second

// collectLocalStorageJS reads the current origin's localStorage as ordered
// key/value pairs.
const collectLocalStorageJS = `(() => {
	const entries = [];
	for (let i = 0; i < localStorage.length; i++) {
		const k = localStorage.key(i);
		entries.push([k, localStorage.getItem(k)]);
	}
	return { origin: location.origin, entries: entries };
})()`

// StorageWatchdog persists cookies and per-origin localStorage to a single
// JSON document and restores them on demand. Saves are change-driven and
// rate-limited; the document on disk is replaced atomically with a .bak of
// the previous version kept alongside.
type StorageWatchdog struct {
	host   Host
	logger *zap.Logger
	path   string

	limiter *rate.Limiter

	mu         sync.Mutex
	lastDigest string

	stopc    chan struct{}
	stopOnce sync.Once
	started  bool
	done     chan struct{}
}

func NewStorageWatchdog(path string, autoSave time.Duration, logger *zap.Logger) *StorageWatchdog {
	if autoSave <= 0 {
		autoSave = 30 * time.Second
	}
	return &StorageWatchdog{
		logger:  logger.Named("storage"),
		path:    path,
		limiter: rate.NewLimiter(rate.Every(autoSave), 1),
		stopc:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (w *StorageWatchdog) Name() string { return "storage" }

func (w *StorageWatchdog) Register(h Host) {
	w.host = h
	h.Bus().On(events.KindSaveStorageState, w.Name(), w.onSave)
	h.Bus().On(events.KindLoadStorageState, w.Name(), w.onLoad)
}

func (w *StorageWatchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.monitor()
	return nil
}

func (w *StorageWatchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopc) })
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
}

// monitor samples the cookie jar and triggers a save when it changed,
// subject to the auto-save rate limit. An explicit SaveStorageState command
// bypasses the limiter entirely.
func (w *StorageWatchdog) monitor() {
	defer close(w.done)
	ticker := time.NewTicker(changePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopc:
			return
		case <-ticker.C:
		}

		digest, err := w.cookieDigest()
		if err != nil {
			continue
		}
		w.mu.Lock()
		changed := digest != w.lastDigest
		w.mu.Unlock()
		if !changed || !w.limiter.Allow() {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := w.host.Bus().Dispatch(events.SaveStorageState{}).Wait(ctx); err != nil {
			w.logger.Warn("Auto-save of storage state failed.", zap.Error(err))
		}
		cancel()
	}
}

func (w *StorageWatchdog) cookieDigest() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var res storage.GetCookiesReturns
	if err := w.host.BrowserCall(ctx, storage.CommandGetCookies, nil, &res); err != nil {
		return "", err
	}
	lines := make([]string, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		if c == nil {
			continue
		}
		lines = append(lines, c.Name+"\x00"+c.Domain+"\x00"+c.Path+"\x00"+c.Value)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n"), nil
}

// -- Save --

func (w *StorageWatchdog) onSave(ctx context.Context, ev *bus.Event) error {
	req := ev.Payload.(events.SaveStorageState)
	path := req.Path
	if path == "" {
		path = w.path
	}
	if path == "" {
		w.logger.Debug("No storage state path configured; skipping save.")
		return nil
	}

	// Bound the collection round trips; a silent browser must not wedge the
	// dispatch goroutine.
	ctx, cancel := context.WithTimeout(ctx, w.host.SessionConfig().NetworkTimeout)
	defer cancel()

	state, err := w.collect(ctx)
	if err != nil {
		return err
	}

	// Merging onto the previous document keeps cookies from origins this
	// session never visited.
	if prev, err := readStorageState(path); err == nil {
		merged := prev.Merge(*state)
		state = &merged
	}

	if err := writeStorageStateAtomic(path, state); err != nil {
		return err
	}

	w.mu.Lock()
	if digest, err := w.digestOf(state); err == nil {
		w.lastDigest = digest
	}
	w.mu.Unlock()

	note := events.StorageStateSaved{Path: path, Cookies: len(state.Cookies), Origins: len(state.Origins)}
	ev.SetResult(note)
	w.host.Bus().Dispatch(note)
	w.logger.Info("Storage state saved.",
		zap.String("path", path),
		zap.Int("cookies", len(state.Cookies)),
		zap.Int("origins", len(state.Origins)))
	return nil
}

func (w *StorageWatchdog) digestOf(state *schemas.StorageState) (string, error) {
	lines := make([]string, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		lines = append(lines, c.Name+"\x00"+c.Domain+"\x00"+c.Path+"\x00"+c.Value)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n"), nil
}

func (w *StorageWatchdog) collect(ctx context.Context) (*schemas.StorageState, error) {
	var res storage.GetCookiesReturns
	if err := w.host.BrowserCall(ctx, storage.CommandGetCookies, nil, &res); err != nil {
		return nil, fmt.Errorf("reading cookies: %w", err)
	}

	state := &schemas.StorageState{}
	for _, c := range res.Cookies {
		if c == nil || !storableCookieDomain(c.Domain) {
			continue
		}
		state.Cookies = append(state.Cookies, schemas.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}

	seen := make(map[string]bool)
	for _, tab := range w.host.Registry().Snapshot() {
		origin, entries, err := w.collectTabStorage(ctx, tab.TargetID)
		if err != nil {
			w.logger.Debug("Skipping localStorage of tab.", zap.String("target_id", tab.TargetID), zap.Error(err))
			continue
		}
		if origin == "" || origin == "null" || seen[origin] || len(entries) == 0 {
			continue
		}
		seen[origin] = true
		state.Origins = append(state.Origins, schemas.OriginState{Origin: origin, LocalStorage: entries})
	}
	return state, nil
}

func (w *StorageWatchdog) collectTabStorage(ctx context.Context, targetID string) (string, []schemas.StorageEntry, error) {
	sess, err := w.host.Session(ctx, targetID)
	if err != nil {
		return "", nil, err
	}
	var dump struct {
		Origin  string      `json:"origin"`
		Entries [][2]string `json:"entries"`
	}
	if err := evaluateInto(ctx, sess, collectLocalStorageJS, &dump); err != nil {
		return "", nil, err
	}
	entries := make([]schemas.StorageEntry, 0, len(dump.Entries))
	for _, kv := range dump.Entries {
		entries = append(entries, schemas.StorageEntry{Name: kv[0], Value: kv[1]})
	}
	return dump.Origin, entries, nil
}

// storableCookieDomain rejects cookies scoped to a bare public suffix; those
// are super-cookies the browser should never have handed out.
func storableCookieDomain(domain string) bool {
	d := strings.TrimPrefix(strings.ToLower(domain), ".")
	if d == "" {
		return false
	}
	if d == "localhost" || net.ParseIP(d) != nil {
		return true
	}
	// Private-registry suffixes like github.io are just as much a public
	// suffix as the ICANN section; reject both.
	suffix, _ := publicsuffix.PublicSuffix(d)
	return d != suffix
}

func readStorageState(path string) (*schemas.StorageState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state schemas.StorageState
	if err := jsonCodec.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing storage state %s: %w", path, err)
	}
	return &state, nil
}

// writeStorageStateAtomic writes to a temp file in the destination
// directory, preserves the previous document as .bak and renames into place,
// so a crash mid-save never corrupts the state on disk.
func writeStorageStateAtomic(path string, state *schemas.StorageState) error {
	data, err := jsonCodec.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding storage state: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".bak"); err != nil {
			_ = os.Remove(tmpName)
			return fmt.Errorf("preserving previous storage state: %w", err)
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// -- Load --

func (w *StorageWatchdog) onLoad(ctx context.Context, ev *bus.Event) error {
	req := ev.Payload.(events.LoadStorageState)
	path := req.Path
	if path == "" {
		path = w.path
	}
	if path == "" {
		return nil
	}
	state, err := readStorageState(path)
	if os.IsNotExist(err) {
		w.logger.Debug("No storage state on disk yet.", zap.String("path", path))
		return nil
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, w.host.SessionConfig().NetworkTimeout)
	defer cancel()

	if len(state.Cookies) > 0 {
		params := storage.SetCookiesParams{Cookies: cookieParamsFromSchemas(state.Cookies)}
		if err := w.host.BrowserCall(ctx, storage.CommandSetCookies, params, nil); err != nil {
			return fmt.Errorf("restoring cookies: %w", err)
		}
	}

	if len(state.Origins) > 0 {
		if err := w.seedLocalStorage(ctx, state.Origins); err != nil {
			w.logger.Warn("Restoring localStorage failed.", zap.Error(err))
		}
	}

	note := events.StorageStateLoaded{Path: path, Cookies: len(state.Cookies), Origins: len(state.Origins)}
	ev.SetResult(note)
	w.host.Bus().Dispatch(note)
	w.logger.Info("Storage state loaded.",
		zap.String("path", path),
		zap.Int("cookies", len(state.Cookies)),
		zap.Int("origins", len(state.Origins)))
	return nil
}

// seedLocalStorage installs a bootstrap script on every current tab that
// writes the saved entries for whichever origin the document loads as, and
// runs it once immediately for pages already open.
func (w *StorageWatchdog) seedLocalStorage(ctx context.Context, origins []schemas.OriginState) error {
	script, err := buildStorageBootstrapScript(origins)
	if err != nil {
		return err
	}
	var firstErr error
	for _, tab := range w.host.Registry().Snapshot() {
		sess, err := w.host.Session(ctx, tab.TargetID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		params := page.AddScriptToEvaluateOnNewDocumentParams{Source: script}
		if err := sess.Call(ctx, page.CommandAddScriptToEvaluateOnNewDocument, params, nil); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := evaluateInto(ctx, sess, script, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildStorageBootstrapScript(origins []schemas.OriginState) (string, error) {
	byOrigin := make(map[string][][2]string, len(origins))
	for _, o := range origins {
		pairs := make([][2]string, 0, len(o.LocalStorage))
		for _, e := range o.LocalStorage {
			pairs = append(pairs, [2]string{e.Name, e.Value})
		}
		byOrigin[o.Origin] = pairs
	}
	blob, err := jsonCodec.Marshal(byOrigin)
	if err != nil {
		return "", fmt.Errorf("encoding localStorage seed: %w", err)
	}
	return fmt.Sprintf(`(() => {
	const states = %s;
	const st = states[location.origin];
	if (!st) { return; }
	for (const [k, v] of st) {
		try { localStorage.setItem(k, v); } catch (e) {}
	}
})()`, string(blob)), nil
}

// cookieParamsFromSchemas converts stored cookies into protocol set-cookie
// parameters. A zero expiry means a session cookie and is left unset.
func cookieParamsFromSchemas(cookies []schemas.Cookie) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: network.CookieSameSite(c.SameSite),
		}
		if c.Expires > 0 {
			ts := cdptime(c.Expires)
			p.Expires = &ts
		}
		out = append(out, p)
	}
	return out
}
