// internal/browser/input.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chauffeur/api/schemas"
	"github.com/xkilldash9x/chauffeur/internal/bus"
	"github.com/xkilldash9x/chauffeur/internal/events"
)

// InputController serves the interaction commands: raw mouse and keyboard
// input, scrolling, screenshots, script evaluation and the cookie jar. All
// of them act on the tab holding agent focus.
type InputController struct {
	host   Host
	logger *zap.Logger
}

func NewInputController(logger *zap.Logger) *InputController {
	return &InputController{logger: logger.Named("input")}
}

func (c *InputController) Name() string { return "input" }

func (c *InputController) Register(h Host) {
	c.host = h
	b := h.Bus()
	b.On(events.KindClick, c.Name(), c.onClick)
	b.On(events.KindTypeText, c.Name(), c.onTypeText)
	b.On(events.KindSendKeys, c.Name(), c.onSendKeys)
	b.On(events.KindScroll, c.Name(), c.onScroll)
	b.On(events.KindCaptureScreenshot, c.Name(), c.onCaptureScreenshot)
	b.On(events.KindEvaluateScript, c.Name(), c.onEvaluateScript)
	b.On(events.KindGetCookies, c.Name(), c.onGetCookies)
	b.On(events.KindSetCookies, c.Name(), c.onSetCookies)
}

func (c *InputController) Start(context.Context) error { return nil }
func (c *InputController) Stop()                       {}

// callBudget bounds one handler's protocol round trips so a browser that
// accepts a command but never replies cannot wedge the dispatch goroutine.
func (c *InputController) callBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.host.SessionConfig().NetworkTimeout)
}

func (c *InputController) focusedSession(ctx context.Context) (sessionCaller, error) {
	targetID, err := c.host.FocusedTarget()
	if err != nil {
		return nil, err
	}
	return c.host.Session(ctx, targetID)
}

// -- Mouse --

func (c *InputController) onClick(ctx context.Context, ev *bus.Event) error {
	req := ev.Payload.(events.Click)
	ctx, cancel := c.callBudget(ctx)
	defer cancel()
	sess, err := c.focusedSession(ctx)
	if err != nil {
		return err
	}
	button := req.Button
	if button == "" {
		button = "left"
	}
	count := int64(req.Count)
	if count <= 0 {
		count = 1
	}
	press := input.DispatchMouseEvent(input.MousePressed, req.X, req.Y).
		WithButton(input.MouseButton(button)).
		WithClickCount(count)
	if err := sess.Call(ctx, input.CommandDispatchMouseEvent, press, nil); err != nil {
		return fmt.Errorf("mouse press at (%.0f, %.0f): %w", req.X, req.Y, err)
	}
	release := input.DispatchMouseEvent(input.MouseReleased, req.X, req.Y).
		WithButton(input.MouseButton(button)).
		WithClickCount(count)
	if err := sess.Call(ctx, input.CommandDispatchMouseEvent, release, nil); err != nil {
		return fmt.Errorf("mouse release at (%.0f, %.0f): %w", req.X, req.Y, err)
	}
	return nil
}

func (c *InputController) onScroll(ctx context.Context, ev *bus.Event) error {
	req := ev.Payload.(events.Scroll)
	ctx, cancel := c.callBudget(ctx)
	defer cancel()
	sess, err := c.focusedSession(ctx)
	if err != nil {
		return err
	}

	// The wheel event needs a position; aim for the viewport center.
	x, y := 100.0, 100.0
	var metrics struct {
		CSSVisualViewport struct {
			ClientWidth  float64 `json:"clientWidth"`
			ClientHeight float64 `json:"clientHeight"`
		} `json:"cssVisualViewport"`
	}
	if err := sess.Call(ctx, page.CommandGetLayoutMetrics, nil, &metrics); err == nil {
		if metrics.CSSVisualViewport.ClientWidth > 0 {
			x = metrics.CSSVisualViewport.ClientWidth / 2
			y = metrics.CSSVisualViewport.ClientHeight / 2
		}
	}

	wheel := input.DispatchMouseEvent(input.MouseWheel, x, y).
		WithDeltaX(req.DeltaX).
		WithDeltaY(req.DeltaY)
	return sess.Call(ctx, input.CommandDispatchMouseEvent, wheel, nil)
}

// -- Keyboard --

func (c *InputController) onTypeText(ctx context.Context, ev *bus.Event) error {
	req := ev.Payload.(events.TypeText)
	ctx, cancel := c.callBudget(ctx)
	defer cancel()
	sess, err := c.focusedSession(ctx)
	if err != nil {
		return err
	}
	return sess.Call(ctx, input.CommandInsertText, input.InsertTextParams{Text: req.Text}, nil)
}

func (c *InputController) onSendKeys(ctx context.Context, ev *bus.Event) error {
	req := ev.Payload.(events.SendKeys)
	ctx, cancel := c.callBudget(ctx)
	defer cancel()
	sess, err := c.focusedSession(ctx)
	if err != nil {
		return err
	}
	keyEvents, err := encodeKeySequence(req.Keys)
	if err != nil {
		return err
	}
	for _, ke := range keyEvents {
		if err := sess.Call(ctx, input.CommandDispatchKeyEvent, ke, nil); err != nil {
			return fmt.Errorf("dispatching key %q: %w", ke.Key, err)
		}
	}
	return nil
}

// namedKeys maps chord spellings of non-printable keys to their DOM key
// names.
var namedKeys = map[string]string{
	"enter":      "Enter",
	"tab":        "Tab",
	"escape":     "Escape",
	"backspace":  "Backspace",
	"delete":     "Delete",
	"arrowup":    "ArrowUp",
	"arrowdown":  "ArrowDown",
	"arrowleft":  "ArrowLeft",
	"arrowright": "ArrowRight",
	"home":       "Home",
	"end":        "End",
	"pageup":     "PageUp",
	"pagedown":   "PageDown",
	"space":      " ",
}

var modifierNames = map[string]input.Modifier{
	"alt":     input.ModifierAlt,
	"control": input.ModifierCtrl,
	"ctrl":    input.ModifierCtrl,
	"meta":    input.ModifierMeta,
	"cmd":     input.ModifierMeta,
	"command": input.ModifierMeta,
	"shift":   input.ModifierShift,
}

// encodeKeySequence turns a chord spec like "Enter", "Control+a" or a plain
// string of characters into protocol key events. Printable runes go through
// the DevTools keyboard layout tables; named keys are synthesized as a
// down/up pair.
func encodeKeySequence(spec string) ([]*input.DispatchKeyEventParams, error) {
	parts := strings.Split(spec, "+")
	var modifiers input.Modifier
	keyPart := parts[len(parts)-1]
	for _, p := range parts[:len(parts)-1] {
		bit, ok := modifierNames[strings.ToLower(strings.TrimSpace(p))]
		if !ok {
			return nil, fmt.Errorf("unknown modifier %q in %q", p, spec)
		}
		modifiers |= bit
	}

	if name, ok := namedKeys[strings.ToLower(keyPart)]; ok {
		down := input.DispatchKeyEvent(input.KeyDown).
			WithModifiers(modifiers).
			WithKey(name)
		up := input.DispatchKeyEvent(input.KeyUp).
			WithModifiers(modifiers).
			WithKey(name)
		return []*input.DispatchKeyEventParams{down, up}, nil
	}

	// A chord must name a single key; without modifiers, the remaining text
	// is typed rune by rune.
	if modifiers != 0 && utf8.RuneCountInString(keyPart) != 1 {
		return nil, fmt.Errorf("chord %q must end in a named key or single character", spec)
	}
	var out []*input.DispatchKeyEventParams
	for _, r := range keyPart {
		for _, ke := range kb.Encode(r) {
			ke.Modifiers |= modifiers
			out = append(out, ke)
		}
	}
	return out, nil
}

// -- Screenshot, evaluation, cookies --

func (c *InputController) onCaptureScreenshot(ctx context.Context, ev *bus.Event) error {
	req := ev.Payload.(events.CaptureScreenshot)
	ctx, cancel := c.callBudget(ctx)
	defer cancel()
	sess, err := c.focusedSession(ctx)
	if err != nil {
		return err
	}
	format := page.CaptureScreenshotFormat(req.Format)
	if format == "" {
		format = page.CaptureScreenshotFormatPng
	}
	params := page.CaptureScreenshotParams{
		Format:                format,
		CaptureBeyondViewport: req.FullPage,
	}
	if format == page.CaptureScreenshotFormatJpeg && req.JPEGQuality > 0 {
		params.Quality = req.JPEGQuality
	}
	// The protocol ships the image base64-encoded; decoding into []byte
	// happens in the codec.
	var res struct {
		Data []byte `json:"data"`
	}
	if err := sess.Call(ctx, page.CommandCaptureScreenshot, params, &res); err != nil {
		return fmt.Errorf("capturing screenshot: %w", err)
	}
	ev.SetResult(res.Data)
	return nil
}

func (c *InputController) onEvaluateScript(ctx context.Context, ev *bus.Event) error {
	req := ev.Payload.(events.EvaluateScript)
	ctx, cancel := c.callBudget(ctx)
	defer cancel()
	sess, err := c.focusedSession(ctx)
	if err != nil {
		return err
	}
	raw, err := evaluateRaw(ctx, sess, req.Expression)
	if err != nil {
		return err
	}
	ev.SetResult(raw)
	return nil
}

func (c *InputController) onGetCookies(ctx context.Context, ev *bus.Event) error {
	ctx, cancel := c.callBudget(ctx)
	defer cancel()
	var res storage.GetCookiesReturns
	if err := c.host.BrowserCall(ctx, storage.CommandGetCookies, nil, &res); err != nil {
		return fmt.Errorf("reading cookies: %w", err)
	}
	cookies := make([]schemas.Cookie, 0, len(res.Cookies))
	for _, ck := range res.Cookies {
		if ck == nil {
			continue
		}
		cookies = append(cookies, schemas.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  ck.Expires,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: string(ck.SameSite),
		})
	}
	ev.SetResult(cookies)
	return nil
}

func (c *InputController) onSetCookies(ctx context.Context, ev *bus.Event) error {
	req := ev.Payload.(events.SetCookies)
	if len(req.Cookies) == 0 {
		return nil
	}
	ctx, cancel := c.callBudget(ctx)
	defer cancel()
	params := storage.SetCookiesParams{Cookies: cookieParamsFromSchemas(req.Cookies)}
	if err := c.host.BrowserCall(ctx, storage.CommandSetCookies, params, nil); err != nil {
		return fmt.Errorf("installing cookies: %w", err)
	}
	return nil
}
