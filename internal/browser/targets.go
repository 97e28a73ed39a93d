// internal/browser/targets.go
package browser

import (
	"fmt"
	"sync"

	"github.com/xkilldash9x/chauffeur/api/schemas"
)

// Registry tracks the ordered list of open tabs and the single agent focus.
// It is pure bookkeeping: it never talks to the browser and never emits
// events; callers decide what a mutation means and announce it themselves.
//
// Mutations arrive from both the dispatch loop and the transport's read
// goroutine, so every method locks.
type Registry struct {
	mu    sync.RWMutex
	tabs  []tabEntry
	focus int // index into tabs, -1 while empty
}

type tabEntry struct {
	targetID string
	url      string
	title    string
}

func NewRegistry() *Registry {
	return &Registry{focus: -1}
}

// Adopt appends a tab to the end of the ordered list. Re-adopting a known
// target is a no-op that returns its current index.
func (r *Registry) Adopt(targetID, url, title string) (index int, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tabs {
		if t.targetID == targetID {
			return i, false
		}
	}
	r.tabs = append(r.tabs, tabEntry{targetID: targetID, url: url, title: title})
	return len(r.tabs) - 1, true
}

// Remove deletes a tab. When the removed tab held focus, focus moves to the
// tab now at min(previous index, last index); removing an earlier tab shifts
// the stored focus index down so it keeps naming the same tab.
func (r *Registry) Remove(targetID string) (index int, wasFocused bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	index = -1
	for i, t := range r.tabs {
		if t.targetID == targetID {
			index = i
			break
		}
	}
	if index < 0 {
		return -1, false, false
	}
	wasFocused = index == r.focus
	r.tabs = append(r.tabs[:index], r.tabs[index+1:]...)

	switch {
	case len(r.tabs) == 0:
		r.focus = -1
	case wasFocused:
		if index > len(r.tabs)-1 {
			r.focus = len(r.tabs) - 1
		} else {
			r.focus = index
		}
	case index < r.focus:
		r.focus--
	}
	return index, wasFocused, true
}

// UpdateInfo refreshes the last known URL and title of a tab. Empty values
// leave the existing ones in place.
func (r *Registry) UpdateInfo(targetID, url, title string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.tabs {
		if r.tabs[i].targetID != targetID {
			continue
		}
		if url != "" {
			r.tabs[i].url = url
		}
		if title != "" {
			r.tabs[i].title = title
		}
		return true
	}
	return false
}

// SetFocus points agent focus at an index. Out-of-range indices are rejected
// without side effects; changed reports whether focus actually moved.
func (r *Registry) SetFocus(index int) (changed, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.tabs) {
		return false, false
	}
	changed = r.focus != index
	r.focus = index
	return changed, true
}

// IndexOf finds a tab's current position.
func (r *Registry) IndexOf(targetID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, t := range r.tabs {
		if t.targetID == targetID {
			return i, true
		}
	}
	return -1, false
}

// TabAt returns the tab at an index.
func (r *Registry) TabAt(index int) (schemas.TabInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.tabs) {
		return schemas.TabInfo{}, false
	}
	t := r.tabs[index]
	return schemas.TabInfo{
		Index:    index,
		TargetID: t.targetID,
		URL:      t.url,
		Title:    t.title,
		Focused:  index == r.focus,
	}, true
}

// Focus returns the tab currently holding agent focus.
func (r *Registry) Focus() (schemas.FocusInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.focus < 0 || r.focus >= len(r.tabs) {
		return schemas.FocusInfo{}, false
	}
	t := r.tabs[r.focus]
	return schemas.FocusInfo{Index: r.focus, TargetID: t.targetID, URL: t.url}, true
}

// FocusedTarget is Focus reduced to the target id, as an error-returning
// convenience for command handlers.
func (r *Registry) FocusedTarget() (string, error) {
	f, ok := r.Focus()
	if !ok {
		return "", fmt.Errorf("no tab holds agent focus")
	}
	return f.TargetID, nil
}

// Snapshot returns the externally visible view of every tab, in order.
func (r *Registry) Snapshot() []schemas.TabInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schemas.TabInfo, len(r.tabs))
	for i, t := range r.tabs {
		out[i] = schemas.TabInfo{
			Index:    i,
			TargetID: t.targetID,
			URL:      t.url,
			Title:    t.title,
			Focused:  i == r.focus,
		}
	}
	return out
}

// Count reports how many tabs are open.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}
