// internal/cdp/pool.go
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrSessionClosed marks use of a session after it was detached or after its
// transport disappeared.
var ErrSessionClosed = errors.New("protocol session closed")

// Conn is the slice of Client the pool depends on. Narrowed to an interface
// so pool semantics are testable without sockets.
type Conn interface {
	Call(ctx context.Context, sessionID, method string, params, out any) error
	AttachTarget(ctx context.Context, targetID string) (string, error)
	DetachTarget(ctx context.Context, sessionID string) error
	Done() <-chan struct{}
	Close() error
}

// DedicatedDialer opens a private transport to the same browser for sessions
// that need isolation from the shared connection.
type DedicatedDialer func(ctx context.Context) (Conn, error)

// Session binds one target to one protocol session on some transport.
// Shared-mode sessions ride the pool's shared connection and are cached per
// target; dedicated sessions own a private connection and their lifecycle
// belongs to the caller.
type Session struct {
	TargetID  string
	ID        string
	Dedicated bool

	conn   Conn
	pool   *Pool
	closed atomic.Bool
}

// Call issues one session-scoped command.
func (s *Session) Call(ctx context.Context, method string, params, out any) error {
	if s.closed.Load() {
		return fmt.Errorf("%s on target %s: %w", method, s.TargetID, ErrSessionClosed)
	}
	return s.conn.Call(ctx, s.ID, method, params, out)
}

// Close detaches the session. For dedicated sessions the private transport is
// torn down as well; the shared transport and other sessions are unaffected.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.pool.forget(s)

	// Best effort: the transport may already be gone.
	err := s.conn.DetachTarget(ctx, s.ID)
	if s.Dedicated {
		if cerr := s.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil && (errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrClientClosed)) {
		return nil
	}
	return err
}

// invalidate marks the session unusable without detaching (the transport that
// carried it is already gone).
func (s *Session) invalidate() {
	s.closed.Store(true)
}

// Pool manages protocol sessions per target. Concurrent requesters of the
// same (target, shared) converge on exactly one session; dedicated requests
// always produce a fresh private transport.
type Pool struct {
	logger *zap.Logger
	shared Conn
	dial   DedicatedDialer

	sf singleflight.Group

	mu        sync.Mutex
	sessions  map[string]*Session
	dedicated map[*Session]struct{}
}

// NewPool builds a pool over the shared connection. dial may be nil when the
// endpoint does not support extra connections; dedicated requests then fail.
func NewPool(shared Conn, dial DedicatedDialer, logger *zap.Logger) *Pool {
	return &Pool{
		logger:    logger.Named("pool"),
		shared:    shared,
		dial:      dial,
		sessions:  make(map[string]*Session),
		dedicated: make(map[*Session]struct{}),
	}
}

// GetOrCreate returns the session for a target, creating it lazily on first
// use. Shared mode caches per target; dedicated mode opens a private
// transport the caller owns and must Close.
func (p *Pool) GetOrCreate(ctx context.Context, targetID string, dedicated bool) (*Session, error) {
	if dedicated {
		return p.createDedicated(ctx, targetID)
	}

	p.mu.Lock()
	if s, ok := p.sessions[targetID]; ok && !s.closed.Load() {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	// singleflight collapses concurrent creators for the same target into
	// one attach call; every caller receives the same session.
	v, err, _ := p.sf.Do(targetID, func() (any, error) {
		p.mu.Lock()
		if s, ok := p.sessions[targetID]; ok && !s.closed.Load() {
			p.mu.Unlock()
			return s, nil
		}
		p.mu.Unlock()

		sessionID, err := p.shared.AttachTarget(ctx, targetID)
		if err != nil {
			return nil, fmt.Errorf("attaching to target %s: %w", targetID, err)
		}
		s := &Session{TargetID: targetID, ID: sessionID, conn: p.shared, pool: p}

		p.mu.Lock()
		p.sessions[targetID] = s
		p.mu.Unlock()

		p.logger.Debug("Session attached.",
			zap.String("target_id", targetID),
			zap.String("session_id", sessionID))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (p *Pool) createDedicated(ctx context.Context, targetID string) (*Session, error) {
	if p.dial == nil {
		return nil, fmt.Errorf("dedicated session for target %s: no dedicated dialer configured", targetID)
	}
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening dedicated transport: %w", err)
	}
	sessionID, err := conn.AttachTarget(ctx, targetID)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("attaching dedicated session to target %s: %w", targetID, err)
	}
	s := &Session{TargetID: targetID, ID: sessionID, Dedicated: true, conn: conn, pool: p}

	p.mu.Lock()
	p.dedicated[s] = struct{}{}
	p.mu.Unlock()

	p.logger.Debug("Dedicated session attached.",
		zap.String("target_id", targetID),
		zap.String("session_id", sessionID))
	return s, nil
}

// Drop removes and invalidates the shared session of a target, typically
// because the target itself is gone. No detach is attempted.
func (p *Pool) Drop(targetID string) {
	p.mu.Lock()
	s, ok := p.sessions[targetID]
	delete(p.sessions, targetID)
	p.mu.Unlock()
	if ok {
		s.invalidate()
	}
}

// Invalidate reacts to the shared transport disappearing: every shared
// session becomes invalid and is flushed so the next use re-establishes.
// Dedicated sessions ride their own transports and are left alone.
func (p *Pool) Invalidate() {
	p.mu.Lock()
	flushed := len(p.sessions)
	for _, s := range p.sessions {
		s.invalidate()
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	if flushed > 0 {
		p.logger.Warn("Shared transport lost; flushed derived sessions.", zap.Int("count", flushed))
	}
}

// Reset force-closes every pooled session and every owned dedicated
// transport. The shared transport itself stays up.
func (p *Pool) Reset(ctx context.Context) {
	p.mu.Lock()
	shared := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		shared = append(shared, s)
	}
	p.sessions = make(map[string]*Session)
	owned := make([]*Session, 0, len(p.dedicated))
	for s := range p.dedicated {
		owned = append(owned, s)
	}
	p.dedicated = make(map[*Session]struct{})
	p.mu.Unlock()

	for _, s := range shared {
		if s.closed.CompareAndSwap(false, true) {
			if err := p.shared.DetachTarget(ctx, s.ID); err != nil && !errors.Is(err, ErrConnectionLost) && !errors.Is(err, ErrClientClosed) {
				p.logger.Debug("Detach during reset failed.", zap.String("target_id", s.TargetID), zap.Error(err))
			}
		}
	}
	for _, s := range owned {
		if s.closed.CompareAndSwap(false, true) {
			_ = s.conn.DetachTarget(ctx, s.ID)
			_ = s.conn.Close()
		}
	}
	p.logger.Debug("Pool reset.", zap.Int("shared", len(shared)), zap.Int("dedicated", len(owned)))
}

// TargetOf maps a protocol session id back to the target it is attached to.
func (p *Pool) TargetOf(sessionID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if s.ID == sessionID {
			return s.TargetID, true
		}
	}
	for s := range p.dedicated {
		if s.ID == sessionID {
			return s.TargetID, true
		}
	}
	return "", false
}

// forget removes bookkeeping for a session closed by its owner.
func (p *Pool) forget(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.Dedicated {
		delete(p.dedicated, s)
		return
	}
	if cur, ok := p.sessions[s.TargetID]; ok && cur == s {
		delete(p.sessions, s.TargetID)
	}
}
