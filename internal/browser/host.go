// internal/browser/host.go
package browser

import (
	"context"

	"github.com/xkilldash9x/chauffeur/internal/bus"
	"github.com/xkilldash9x/chauffeur/internal/cdp"
	"github.com/xkilldash9x/chauffeur/internal/config"
	"github.com/xkilldash9x/chauffeur/internal/events"
)

// Host is the capability surface the orchestrator hands to its watchdogs.
// Watchdogs never reach around it to the transport or to each other; every
// shared facility flows through this interface, which also keeps the
// watchdogs testable against a fake.
type Host interface {
	// Bus is the session's dispatch loop.
	Bus() *bus.SessionBus

	// Registry is the ordered tab list plus agent focus.
	Registry() *Registry

	// SessionConfig exposes the orchestration tunables.
	SessionConfig() config.SessionConfig

	// Session returns the pooled protocol session for a target, attaching
	// and enabling the needed protocol domains lazily on first use.
	Session(ctx context.Context, targetID string) (*cdp.Session, error)

	// BrowserCall issues a browser-scope command on the shared connection.
	BrowserCall(ctx context.Context, method string, params, out any) error

	// TargetOfSession maps a protocol session id back to its target.
	TargetOfSession(sessionID string) (string, bool)

	// FocusedTarget resolves the tab currently holding agent focus.
	FocusedTarget() (string, error)

	// CloseTarget asks the browser to close a tab. Registry and focus
	// bookkeeping happen when the destroyed notification comes back.
	CloseTarget(ctx context.Context, targetID string) error

	// DropSession discards the pooled session of a gone target.
	DropSession(targetID string)

	// Allowed consults the navigation allowlist.
	Allowed(rawURL string) bool

	// ProcessRunning reports whether the locally launched browser process is
	// still alive. Attached sessions always report true.
	ProcessRunning() bool

	// EscalateFatal forces the session from connected to stopping. Only
	// fatal error kinds warrant it.
	EscalateFatal(err *events.BrowserError)

	// DownloadsDir is the directory downloads land in, empty when downloads
	// are not captured.
	DownloadsDir() string
}

// Watchdog is one self-contained concern attached to a session: it registers
// bus handlers, optionally runs a background loop, and tears down on Stop.
type Watchdog interface {
	Name() string

	// Register installs the watchdog's bus handlers. Called once, before the
	// session reaches the connected state.
	Register(h Host)

	// Start launches any background loop the watchdog owns.
	Start(ctx context.Context) error

	// Stop halts the background loop. Idempotent.
	Stop()
}

// protocolObserver is implemented by watchdogs that consume decoded protocol
// notifications. Handlers run on the transport's read goroutine and must not
// block.
type protocolObserver interface {
	HandleProtocolEvent(sessionID string, ev any)
}
