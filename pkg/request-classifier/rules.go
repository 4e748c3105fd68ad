package classifier

import (
	"net/http"
	"path"
	"strings"
)

// Policy is the caching policy a request is handled with.
type Policy string

const (
	Bypass               Policy = "bypass"
	StaleWhileRevalidate Policy = "stale-while-revalidate"
	NetworkFirstAPI      Policy = "network-first-api"
	NetworkFirstDocument Policy = "network-first-document"
	CacheFirst           Policy = "cache-first"
)

var (
	DefaultStaticExtensions = []string{
		".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico",
		".woff", ".woff2", ".ttf", ".eot",
	}
	DefaultAPIPrefixes = []string{"/api/", "/uploads/"}
)

// Rule assigns a policy to every request it matches.
type Rule struct {
	Name   string
	Policy Policy
	Match  func(r *http.Request) bool
}

// Rules are evaluated in order and the first match wins.
type Rules []Rule

// Classifier maps requests to caching policies.
type Classifier struct {
	rules    Rules
	fallback Policy
}

// New creates a classifier with the fixed rule precedence:
// non-GET, static asset extension, API prefix, document navigation.
// Everything else is cache-first.
// Nil slices select the defaults.
func New(staticExtensions, apiPrefixes []string) Classifier {
	if staticExtensions == nil {
		staticExtensions = DefaultStaticExtensions
	}
	if apiPrefixes == nil {
		apiPrefixes = DefaultAPIPrefixes
	}
	exts := make(map[string]struct{}, len(staticExtensions))
	for _, ext := range staticExtensions {
		exts[strings.ToLower(ext)] = struct{}{}
	}
	return Classifier{
		rules: Rules{
			{Name: "method", Policy: Bypass, Match: func(r *http.Request) bool {
				return r.Method != http.MethodGet
			}},
			{Name: "static", Policy: StaleWhileRevalidate, Match: func(r *http.Request) bool {
				_, ok := exts[strings.ToLower(path.Ext(r.URL.Path))]
				return ok
			}},
			{Name: "api", Policy: NetworkFirstAPI, Match: func(r *http.Request) bool {
				for _, prefix := range apiPrefixes {
					if strings.HasPrefix(r.URL.Path, prefix) {
						return true
					}
				}
				return false
			}},
			{Name: "document", Policy: NetworkFirstDocument, Match: IsDocument},
		},
		fallback: CacheFirst,
	}
}

// Classify returns the policy for the request.
func (c Classifier) Classify(r *http.Request) Policy {
	if rule := c.rules.find(r); rule != nil {
		return rule.Policy
	}
	return c.fallback
}

func (rules Rules) find(r *http.Request) *Rule {
	for i := range rules {
		if rules[i].Match(r) {
			return &rules[i]
		}
	}
	return nil
}

// IsDocument reports whether the request is a full page navigation.
// Fetch metadata is preferred; without it an Accept header asking for HTML counts.
func IsDocument(r *http.Request) bool {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// IsStyleOrScript reports whether the request path is a stylesheet or script.
func IsStyleOrScript(r *http.Request) bool {
	switch strings.ToLower(path.Ext(r.URL.Path)) {
	case ".css", ".js":
		return true
	}
	return false
}
