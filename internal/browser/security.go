// internal/browser/security.go
package browser

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chauffeur/internal/bus"
	"github.com/xkilldash9x/chauffeur/internal/events"
)

// SecurityWatchdog enforces the navigation allowlist. The pre-navigation
// check runs inside the navigation handler via Host.Allowed; this watchdog
// additionally re-checks the settled URL after every navigation, so redirects
// out of the allowlist get the tab closed.
type SecurityWatchdog struct {
	host   Host
	logger *zap.Logger
	rules  []allowRule
}

func NewSecurityWatchdog(patterns []string, logger *zap.Logger) *SecurityWatchdog {
	log := logger.Named("security")
	return &SecurityWatchdog{logger: log, rules: compileAllowRules(patterns, log)}
}

func (w *SecurityWatchdog) Name() string { return "security" }

func (w *SecurityWatchdog) Register(h Host) {
	w.host = h
	h.Bus().On(events.KindNavigationComplete, w.Name(), w.onNavigationComplete)
}

func (w *SecurityWatchdog) Start(context.Context) error { return nil }
func (w *SecurityWatchdog) Stop()                       {}

// Allowed reports whether a URL passes the allowlist. An empty allowlist
// permits everything; browser-internal schemes are always permitted so blank
// tabs and the new-tab page keep working.
//
// Matching uses only the parsed scheme and hostname. Userinfo tricks like
// "https://allowed.example.com%20@evil.com" therefore match against
// "evil.com" and fail.
func (w *SecurityWatchdog) Allowed(rawURL string) bool {
	return allowedByRules(rawURL, w.rules)
}

func (w *SecurityWatchdog) onNavigationComplete(ctx context.Context, ev *bus.Event) error {
	nc := ev.Payload.(events.NavigationComplete)
	if nc.TargetID == "" || nc.URL == "" || w.Allowed(nc.URL) {
		return nil
	}
	w.logger.Warn("Navigation settled on a disallowed URL; closing tab.",
		zap.String("target_id", nc.TargetID),
		zap.String("url", nc.URL))

	berr := events.NewError(events.ErrSecurityViolation, "navigation settled on a URL outside the allowlist").
		WithTarget(nc.TargetID).
		WithURL(nc.URL)
	w.host.Bus().Dispatch(berr)

	// Closing goes through the browser and resolves asynchronously via the
	// destroyed notification; don't hold the dispatch loop for it.
	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.host.CloseTarget(cctx, nc.TargetID); err != nil {
			w.logger.Warn("Failed to close disallowed tab.", zap.String("target_id", nc.TargetID), zap.Error(err))
		}
	}()
	return nil
}

// -- Allowlist compilation and matching --

type ruleKind int

const (
	// "https://example.com": exact scheme and host.
	ruleExactOrigin ruleKind = iota
	// "chrome-extension://*": any URL of that scheme.
	ruleSchemePrefix
	// "https://*.example.com" and friends: fixed scheme, glob host.
	ruleOriginGlob
	// "example.com": exact host, any scheme.
	ruleDomain
	// "*.example.com": the domain and its subdomains, http/https only.
	ruleSubdomains
	// "*.ex*.com" style host globs, http/https only.
	ruleHostGlob
)

type allowRule struct {
	raw    string
	kind   ruleKind
	scheme string
	host   string
	glob   glob.Glob
}

func (r allowRule) match(scheme, host string) bool {
	switch r.kind {
	case ruleExactOrigin:
		return scheme == r.scheme && host == r.host
	case ruleSchemePrefix:
		return scheme == r.scheme
	case ruleOriginGlob:
		return scheme == r.scheme && r.glob.Match(host)
	case ruleDomain:
		return host == r.host
	case ruleSubdomains:
		return isWebScheme(scheme) && (host == r.host || strings.HasSuffix(host, "."+r.host))
	case ruleHostGlob:
		return isWebScheme(scheme) && r.glob.Match(host)
	}
	return false
}

func isWebScheme(scheme string) bool {
	return scheme == "http" || scheme == "https"
}

func compileAllowRules(patterns []string, logger *zap.Logger) []allowRule {
	rules := make([]allowRule, 0, len(patterns))
	for _, raw := range patterns {
		p := strings.ToLower(strings.TrimSpace(raw))
		if p == "" {
			continue
		}
		r := allowRule{raw: p}
		switch {
		case strings.HasSuffix(p, "://*"):
			r.kind = ruleSchemePrefix
			r.scheme = strings.TrimSuffix(p, "://*")

		case strings.Contains(p, "://"):
			scheme, hostPart, _ := strings.Cut(p, "://")
			hostPart = strings.TrimSuffix(hostPart, "/")
			r.scheme = scheme
			if strings.ContainsAny(hostPart, "*?[") {
				logger.Warn("Allowlist pattern combines a scheme with wildcards; only the host part is matched.",
					zap.String("pattern", p))
				g, err := glob.Compile(hostPart)
				if err != nil {
					logger.Warn("Ignoring unparsable allowlist pattern.", zap.String("pattern", p), zap.Error(err))
					continue
				}
				r.kind = ruleOriginGlob
				r.glob = g
			} else {
				r.kind = ruleExactOrigin
				r.host = hostPart
			}

		case strings.HasPrefix(p, "*.") && !strings.ContainsAny(p[2:], "*?["):
			r.kind = ruleSubdomains
			r.host = strings.TrimPrefix(p, "*.")

		case strings.ContainsAny(p, "*?["):
			g, err := glob.Compile(p)
			if err != nil {
				logger.Warn("Ignoring unparsable allowlist pattern.", zap.String("pattern", p), zap.Error(err))
				continue
			}
			r.kind = ruleHostGlob
			r.glob = g

		default:
			r.kind = ruleDomain
			r.host = p
		}
		rules = append(rules, r)
	}
	return rules
}

func allowedByRules(rawURL string, rules []allowRule) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "about", "chrome", "chrome-extension", "devtools":
		return true
	}
	if len(rules) == 0 {
		return true
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, r := range rules {
		if r.match(scheme, host) {
			return true
		}
	}
	return false
}
