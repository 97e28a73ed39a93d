package schemas

// -- Persisted Storage State Schemas --

// StorageState is the persisted browser storage document: the cookie jar plus
// per-origin localStorage snapshots. It is loaded on connect and saved on
// demand or on interval; the on-disk layout is shared with other automation
// tooling, so field names are part of the contract.
type StorageState struct {
	Cookies []Cookie      `json:"cookies"` // Every cookie known to the browser.
	Origins []OriginState `json:"origins"` // Per-origin localStorage snapshots.
}

// Cookie is one browser cookie in storage-state form. Expires is seconds
// since the Unix epoch; -1 marks a session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"` // "Strict", "Lax" or "None".
}

// OriginState holds the localStorage entries captured for one origin.
type OriginState struct {
	Origin       string         `json:"origin"`
	LocalStorage []StorageEntry `json:"localStorage"`
}

// StorageEntry is a single localStorage key/value pair.
type StorageEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// cookieKey identifies a cookie for merging purposes. Two cookies with the
// same (name, domain, path) are the same cookie.
type cookieKey struct {
	name, domain, path string
}

// Merge combines this document with a newer one: cookies are deduplicated by
// (name, domain, path) and origins by origin string, with values from next
// winning. The receiver is not modified; the merged document preserves the
// order of the existing entries and appends new ones.
func (s StorageState) Merge(next StorageState) StorageState {
	var out StorageState

	newer := make(map[cookieKey]Cookie, len(next.Cookies))
	for _, c := range next.Cookies {
		newer[cookieKey{c.Name, c.Domain, c.Path}] = c
	}
	seen := make(map[cookieKey]bool, len(s.Cookies))
	for _, c := range s.Cookies {
		k := cookieKey{c.Name, c.Domain, c.Path}
		seen[k] = true
		if replacement, ok := newer[k]; ok {
			out.Cookies = append(out.Cookies, replacement)
			continue
		}
		out.Cookies = append(out.Cookies, c)
	}
	for _, c := range next.Cookies {
		if !seen[cookieKey{c.Name, c.Domain, c.Path}] {
			out.Cookies = append(out.Cookies, c)
		}
	}

	newerOrigins := make(map[string]OriginState, len(next.Origins))
	for _, o := range next.Origins {
		newerOrigins[o.Origin] = o
	}
	seenOrigins := make(map[string]bool, len(s.Origins))
	for _, o := range s.Origins {
		seenOrigins[o.Origin] = true
		if replacement, ok := newerOrigins[o.Origin]; ok {
			out.Origins = append(out.Origins, replacement)
			continue
		}
		out.Origins = append(out.Origins, o)
	}
	for _, o := range next.Origins {
		if !seenOrigins[o.Origin] {
			out.Origins = append(out.Origins, o)
		}
	}

	return out
}
