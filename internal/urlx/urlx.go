// Package urlx implements URL canonicalization and registrable-domain
// extraction shared by every component that needs to key state by domain
// or deduplicate discovered links.
package urlx

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// trackingParams are query keys stripped during canonicalization because
// they vary per-visitor without changing the resource identity.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"gclid":        true,
	"fbclid":       true,
	"ref":          true,
	"mc_cid":       true,
	"mc_eid":       true,
}

var repeatedSlash = regexp.MustCompile(`/{2,}`)

// Canonicalize rewrites a raw URL string into its canonical form: lowercase
// scheme and host, stripped "www." prefix, no fragment, no tracking query
// parameters, collapsed repeated slashes and no trailing slash except for
// the root path. Two URL strings that denote the same resource produce the
// same canonical string.
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	u.Host = host
	u.Fragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if trackingParams[strings.ToLower(key)] {
				q.Del(key)
			}
		}
		u.RawQuery = q.Encode()
	}

	path := repeatedSlash.ReplaceAllString(u.Path, "/")
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "" {
		path = "/"
	}
	u.Path = path

	return u.String(), nil
}

// RegistrableDomain returns the eTLD+1 of a canonical URL's host, used to
// look up the domain-boost multiplier when computing a record's priority.
// Per-domain politeness state (rate limits, robots cache, blacklist,
// domain queues) is keyed by Host instead, so sibling subdomains do not
// share a politeness budget.
func RegistrableDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "" {
		return "", nil
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Hosts like "localhost" or bare IPs have no public suffix entry;
		// fall back to the hostname itself.
		return host, nil
	}
	return domain, nil
}

// Host returns the lowercase hostname of a canonical URL, used wherever
// per-host (rather than per-registrable-domain) granularity is needed, e.g.
// robots.txt lookups which are host-scoped by specification.
func Host(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.Hostname()), nil
}
