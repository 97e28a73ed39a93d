// internal/events/events.go
package events

import (
	"github.com/google/uuid"

	"github.com/xkilldash9x/chauffeur/api/schemas"
)

// Kind identifies one event variety on the session bus. Handlers are
// registered against kinds, never against runtime types, so the full
// vocabulary lives here as an explicit enum.
type Kind string

// Class partitions the vocabulary into the three roles an event can play.
type Class int

const (
	// ClassCommand events ask a component to do something and carry a
	// resolvable result slot.
	ClassCommand Class = iota
	// ClassNotification events report something that already happened.
	ClassNotification
)

const (
	// --- Commands ---
	KindNavigateToURL     Kind = "navigate_to_url"
	KindNavigateBack      Kind = "navigate_back"
	KindNavigateForward   Kind = "navigate_forward"
	KindReloadPage        Kind = "reload_page"
	KindSwitchTab         Kind = "switch_tab"
	KindCloseTab          Kind = "close_tab"
	KindClick             Kind = "click"
	KindTypeText          Kind = "type_text"
	KindSendKeys          Kind = "send_keys"
	KindScroll            Kind = "scroll"
	KindCaptureScreenshot Kind = "capture_screenshot"
	KindEvaluateScript    Kind = "evaluate_script"
	KindGetCookies        Kind = "get_cookies"
	KindSetCookies        Kind = "set_cookies"
	KindSaveStorageState  Kind = "save_storage_state"
	KindLoadStorageState  Kind = "load_storage_state"

	// --- Notifications ---
	KindBrowserConnected   Kind = "browser_connected"
	KindBrowserStopped     Kind = "browser_stopped"
	KindTabCreated         Kind = "tab_created"
	KindTabClosed          Kind = "tab_closed"
	KindAgentFocusChanged  Kind = "agent_focus_changed"
	KindNavigationStarted  Kind = "navigation_started"
	KindNavigationComplete Kind = "navigation_complete"
	KindDialogOpened       Kind = "dialog_opened"
	KindFileDownloaded     Kind = "file_downloaded"
	KindStorageStateSaved  Kind = "storage_state_saved"
	KindStorageStateLoaded Kind = "storage_state_loaded"
	KindTargetCrashed      Kind = "target_crashed"
	KindBrowserError       Kind = "browser_error"
)

// Payload is implemented by every event payload struct. The Kind anchors the
// payload to its enum entry at compile time.
type Payload interface {
	Kind() Kind
}

// Classify reports whether a kind is a command or a notification.
func Classify(k Kind) Class {
	switch k {
	case KindNavigateToURL, KindNavigateBack, KindNavigateForward, KindReloadPage,
		KindSwitchTab, KindCloseTab, KindClick, KindTypeText, KindSendKeys,
		KindScroll, KindCaptureScreenshot, KindEvaluateScript, KindGetCookies,
		KindSetCookies, KindSaveStorageState, KindLoadStorageState:
		return ClassCommand
	default:
		return ClassNotification
	}
}

// -- Command Payloads --

// NavigateToURL requests a navigation. With NewTab set, the operation creates
// the tab and navigates it as one logical step; the final TabCreated
// notification carries the settled URL. TargetID selects an explicit tab;
// empty means the focused one.
type NavigateToURL struct {
	URL      string
	NewTab   bool
	TargetID string

	// OpID correlates the request with its NavigationStarted/Complete
	// notifications. Zero means the dispatcher does not care.
	OpID uuid.UUID
}

func (NavigateToURL) Kind() Kind { return KindNavigateToURL }

// NavigateBack requests a history step back on the focused tab.
type NavigateBack struct{}

func (NavigateBack) Kind() Kind { return KindNavigateBack }

// NavigateForward requests a history step forward on the focused tab.
type NavigateForward struct{}

func (NavigateForward) Kind() Kind { return KindNavigateForward }

// ReloadPage requests a reload of the focused tab.
type ReloadPage struct {
	IgnoreCache bool
}

func (ReloadPage) Kind() Kind { return KindReloadPage }

// SwitchTab moves agent focus to the tab at Index. Invalid indices are a
// no-op by contract.
type SwitchTab struct {
	Index int
}

func (SwitchTab) Kind() Kind { return KindSwitchTab }

// CloseTab closes the tab at Index.
type CloseTab struct {
	Index int
}

func (CloseTab) Kind() Kind { return KindCloseTab }

// Click dispatches a raw mouse click at viewport coordinates. Element
// semantics are the caller's problem; this core only speaks coordinates.
type Click struct {
	X      float64
	Y      float64
	Button string // "left", "right", "middle"; empty defaults to left
	Count  int    // click count; 0 defaults to 1
}

func (Click) Kind() Kind { return KindClick }

// TypeText inserts literal text into the focused element of the focused tab.
type TypeText struct {
	Text string
}

func (TypeText) Kind() Kind { return KindTypeText }

// SendKeys synthesizes full keydown/keyup sequences, including modifier and
// special keys ("Enter", "Control+a", ...).
type SendKeys struct {
	Keys string
}

func (SendKeys) Kind() Kind { return KindSendKeys }

// Scroll dispatches a mouse wheel gesture on the focused tab.
type Scroll struct {
	DeltaX float64
	DeltaY float64
}

func (Scroll) Kind() Kind { return KindScroll }

// CaptureScreenshot captures the focused tab. The result slot carries the
// image bytes.
type CaptureScreenshot struct {
	Format      string // "png" (default) or "jpeg"
	FullPage    bool
	JPEGQuality int64
}

func (CaptureScreenshot) Kind() Kind { return KindCaptureScreenshot }

// EvaluateScript evaluates an expression on the focused tab. The result slot
// carries the JSON-encoded value.
type EvaluateScript struct {
	Expression string
}

func (EvaluateScript) Kind() Kind { return KindEvaluateScript }

// GetCookies requests the browser's cookie jar. The result slot carries
// []schemas.Cookie.
type GetCookies struct{}

func (GetCookies) Kind() Kind { return KindGetCookies }

// SetCookies installs cookies into the browser.
type SetCookies struct {
	Cookies []schemas.Cookie
}

func (SetCookies) Kind() Kind { return KindSetCookies }

// SaveStorageState persists cookies and per-origin localStorage to Path
// (empty uses the configured default).
type SaveStorageState struct {
	Path string
}

func (SaveStorageState) Kind() Kind { return KindSaveStorageState }

// LoadStorageState applies a previously saved storage document.
type LoadStorageState struct {
	Path string
}

func (LoadStorageState) Kind() Kind { return KindLoadStorageState }

// -- Notification Payloads --

// BrowserConnected fires once the transport is up and initial targets are
// adopted.
type BrowserConnected struct {
	EndpointURL string
}

func (BrowserConnected) Kind() Kind { return KindBrowserConnected }

// BrowserStopped fires exactly once per session shutdown, before the
// transport goes away.
type BrowserStopped struct {
	Reason string
}

func (BrowserStopped) Kind() Kind { return KindBrowserStopped }

// TabCreated announces a new tab. For operation-owned tabs (NavigateToURL
// with NewTab) URL is the settled destination, not an intermediate blank.
type TabCreated struct {
	Index    int
	TargetID string
	URL      string
}

func (TabCreated) Kind() Kind { return KindTabCreated }

// TabClosed announces a closed tab by its last known index.
type TabClosed struct {
	Index    int
	TargetID string
}

func (TabClosed) Kind() Kind { return KindTabClosed }

// AgentFocusChanged announces the single active tab changing. Emitted exactly
// once per actual change.
type AgentFocusChanged struct {
	Index    int
	TargetID string
	URL      string
}

func (AgentFocusChanged) Kind() Kind { return KindAgentFocusChanged }

// NavigationStarted marks the transition into the navigating state for a
// target.
type NavigationStarted struct {
	TargetID string
	URL      string
	OpID     uuid.UUID
}

func (NavigationStarted) Kind() Kind { return KindNavigationStarted }

// NavigationComplete is the terminal notification for one navigation.
// ErrorMessage is non-empty for failed or timed-out navigations; the
// notification is emitted even then, never silence.
type NavigationComplete struct {
	TargetID     string
	URL          string
	Status       int64
	ErrorMessage string
	OpID         uuid.UUID
}

func (NavigationComplete) Kind() Kind { return KindNavigationComplete }

// Failed reports whether the navigation ended in failure or timeout.
func (n NavigationComplete) Failed() bool { return n.ErrorMessage != "" }

// DialogOpened announces a JavaScript dialog (alert/confirm/prompt/
// beforeunload) blocking a target.
type DialogOpened struct {
	TargetID   string
	FrameID    string
	DialogType string
	Message    string
	URL        string
}

func (DialogOpened) Kind() Kind { return KindDialogOpened }

// FileDownloaded announces one completed download.
type FileDownloaded struct {
	URL      string
	Path     string
	FileName string
	FileSize int64
	FileType string
}

func (FileDownloaded) Kind() Kind { return KindFileDownloaded }

// StorageStateSaved reports a successful persistence pass.
type StorageStateSaved struct {
	Path    string
	Cookies int
	Origins int
}

func (StorageStateSaved) Kind() Kind { return KindStorageStateSaved }

// StorageStateLoaded reports a successful restore pass.
type StorageStateLoaded struct {
	Path    string
	Cookies int
	Origins int
}

func (StorageStateLoaded) Kind() Kind { return KindStorageStateLoaded }

// TargetCrashed announces a page-level crash reported by the browser.
type TargetCrashed struct {
	TargetID  string
	Status    string
	ErrorCode int64
}

func (TargetCrashed) Kind() Kind { return KindTargetCrashed }
