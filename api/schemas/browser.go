package schemas

// -- Browser Session Schemas --

// TabInfo is the externally visible snapshot of one browser tab.
type TabInfo struct {
	Index    int    `json:"index"`     // Position in the ordered tab list.
	TargetID string `json:"target_id"` // Protocol identifier of the tab.
	URL      string `json:"url"`       // Last known URL.
	Title    string `json:"title"`     // Last known document title.
	Focused  bool   `json:"focused"`   // Whether this tab holds agent focus.
}

// FocusInfo describes the single tab the automation currently treats as
// active. Exactly one exists per connected session.
type FocusInfo struct {
	Index    int    `json:"index"`
	TargetID string `json:"target_id"`
	URL      string `json:"url"`
}

// SessionState is the coarse lifecycle state of one browser session.
type SessionState string

const (
	SessionNotStarted SessionState = "not_started"
	SessionStarting   SessionState = "starting"
	SessionConnected  SessionState = "connected"
	SessionStopping   SessionState = "stopping"
	SessionStopped    SessionState = "stopped"
)
