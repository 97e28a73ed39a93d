// internal/cdp/client.go
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	jsonraw "encoding/json"

	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"
)

var (
	// ErrConnectionLost marks a call that failed because the underlying
	// transport went away. Every session derived from that transport is
	// invalid once this surfaces.
	ErrConnectionLost = errors.New("devtools connection lost")
	// ErrClientClosed marks a call issued after a deliberate Close.
	ErrClientClosed = errors.New("devtools client closed")
)

// wireMessage is the JSON-RPC-style envelope of the remote-debugging
// protocol. Commands carry ID and Method; responses echo the ID; asynchronous
// notifications carry Method only. SessionID scopes a message to one target.
type wireMessage struct {
	ID        int64              `json:"id,omitempty"`
	SessionID string             `json:"sessionId,omitempty"`
	Method    string             `json:"method,omitempty"`
	Params    jsonraw.RawMessage `json:"params,omitempty"`
	Result    jsonraw.RawMessage `json:"result,omitempty"`
	Error     *wireError         `json:"error,omitempty"`
}

type wireError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *wireError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// Notification is one asynchronous protocol event, still raw. DecodeNotification
// turns known methods into their typed cdproto structs.
type Notification struct {
	SessionID string
	Method    string
	Params    jsonraw.RawMessage
}

// NotificationHandler observes protocol notifications. Handlers run on the
// reader goroutine and must not block; hand anything slow to the bus.
type NotificationHandler func(n Notification)

// Client speaks the remote-debugging protocol over one Transport: it
// correlates command responses by id, scopes commands to protocol sessions
// and fans raw notifications out to registered handlers.
type Client struct {
	logger    *zap.Logger
	transport *Transport

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *wireMessage
	closed  bool

	handlersMu sync.RWMutex
	handlers   []NotificationHandler
	onClose    func(err error)

	done       chan struct{}
	closeOnce  sync.Once
	deliberate bool
}

// NewClient wraps a connected transport and starts its reader loop.
func NewClient(t *Transport, logger *zap.Logger) *Client {
	c := &Client{
		logger:    logger.Named("cdp"),
		transport: t,
		pending:   make(map[int64]chan *wireMessage),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// OnNotification registers a raw notification observer.
func (c *Client) OnNotification(h NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, h)
}

// OnClose registers the single close callback. It fires exactly once, with a
// nil error for a deliberate Close and a transport error otherwise.
func (c *Client) OnClose(f func(err error)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onClose = f
}

// Done is closed when the client is no longer usable.
func (c *Client) Done() <-chan struct{} { return c.done }

// Call issues one command and decodes its result into out (which may be nil).
// sessionID scopes the command to a target session; empty means browser
// scope. When ctx ends first, the pending registration is removed so a late
// response cannot be delivered into a reused slot.
func (c *Client) Call(ctx context.Context, sessionID, method string, params, out any) error {
	var rawParams jsonraw.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling %s params: %w", method, err)
		}
		rawParams = b
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.closedErr()
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *wireMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(wireMessage{ID: id, SessionID: sessionID, Method: method, Params: rawParams})
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("marshaling %s envelope: %w", method, err)
	}
	if err := c.transport.WriteMessage(payload); err != nil {
		c.dropPending(id)
		return fmt.Errorf("sending %s: %w", method, ErrConnectionLost)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return fmt.Errorf("%s: %w", method, msg.Error)
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		// Cancel the server-side registration for this call: drop the pending
		// slot so a late response is discarded instead of corrupting state.
		c.dropPending(id)
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		return c.closedErr()
	}
}

// AttachTarget opens a flat protocol session to the given target.
func (c *Client) AttachTarget(ctx context.Context, targetID string) (string, error) {
	var res target.AttachToTargetReturns
	params := target.AttachToTargetParams{TargetID: target.ID(targetID), Flatten: true}
	if err := c.Call(ctx, "", target.CommandAttachToTarget, params, &res); err != nil {
		return "", err
	}
	return string(res.SessionID), nil
}

// DetachTarget closes a protocol session. Detaching an already gone session
// is not an error worth surfacing.
func (c *Client) DetachTarget(ctx context.Context, sessionID string) error {
	params := target.DetachFromTargetParams{SessionID: target.SessionID(sessionID)}
	return c.Call(ctx, "", target.CommandDetachFromTarget, params, nil)
}

// Close shuts the client down deliberately. Pending calls fail with
// ErrClientClosed; the OnClose callback receives nil.
func (c *Client) Close() error {
	c.mu.Lock()
	c.deliberate = true
	c.mu.Unlock()
	return c.transport.Close()
}

func (c *Client) readLoop() {
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Discarding unparseable protocol frame.", zap.Error(err))
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
			// A missing entry means the caller timed out and deregistered;
			// the late response is dropped by design of the pending map.
			continue
		}

		if msg.Method == "" {
			continue
		}
		n := Notification{SessionID: msg.SessionID, Method: msg.Method, Params: msg.Params}
		c.handlersMu.RLock()
		handlers := c.handlers
		c.handlersMu.RUnlock()
		for _, h := range handlers {
			h(n)
		}
	}
}

// fail transitions the client into its terminal state: every pending call is
// resolved with the closure error and the close callback fires once.
func (c *Client) fail(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		// Pending callers are released through the done channel below; their
		// buffered response channels are simply abandoned.
		c.pending = make(map[int64]chan *wireMessage)
		deliberate := c.deliberate
		c.mu.Unlock()

		if deliberate {
			c.logger.Debug("DevTools client closed.")
		} else {
			c.logger.Warn("DevTools connection lost.", zap.Error(cause))
		}

		close(c.done)

		c.handlersMu.RLock()
		onClose := c.onClose
		c.handlersMu.RUnlock()
		if onClose != nil {
			if deliberate {
				onClose(nil)
			} else {
				onClose(fmt.Errorf("%w: %v", ErrConnectionLost, cause))
			}
		}
		_ = c.transport.Close()
	})
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deliberate {
		return ErrClientClosed
	}
	return ErrConnectionLost
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
