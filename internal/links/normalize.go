package links

import (
	"errors"
	"net"
	"net/url"
	"slices"
	"strings"
)

// ErrInvalidURL is returned by Normalize for anything that is not an absolute http(s) URL.
var ErrInvalidURL = errors.New("invalid url")

// trackingParams are query keys stripped during normalization.
var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"dclid":   {},
	"msclkid": {},
	"mc_cid":  {},
	"mc_eid":  {},
	"igshid":  {},
	"yclid":   {},
	"_hsenc":  {},
	"_hsmi":   {},
	"si":      {},
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Normalize returns the canonical form of raw, used as the per-chat uniqueness key.
// Scheme and host are lowercased, default ports, fragments and tracking parameters
// are dropped, remaining query parameters are sorted and a trailing slash is removed.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", errors.Join(ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", ErrInvalidURL
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", ErrInvalidURL
	}

	port := u.Port()
	switch {
	case port != "" && port != defaultPorts[scheme]:
		host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}

	out := url.URL{
		Scheme: scheme,
		User:   u.User,
		Host:   host,
		Path:   strings.TrimRight(u.Path, "/"),
	}
	if u.RawPath != "" {
		out.RawPath = strings.TrimRight(u.RawPath, "/")
	}

	out.RawQuery = normalizeQuery(u.RawQuery)

	return out.String(), nil
}

// normalizeQuery drops tracking pairs and sorts the rest by key. Pairs are
// kept byte for byte: only keys are decoded, and only to match them.
func normalizeQuery(raw string) string {
	if raw == "" {
		return ""
	}
	type pair struct{ key, raw string }
	var kept []pair
	for _, p := range strings.Split(raw, "&") {
		if p == "" {
			continue
		}
		key, _, _ := strings.Cut(p, "=")
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		if isTrackingParam(key) {
			continue
		}
		kept = append(kept, pair{key: key, raw: p})
	}
	// Stable, so repeated keys keep their relative order.
	slices.SortStableFunc(kept, func(a, b pair) int { return strings.Compare(a.key, b.key) })

	parts := make([]string, len(kept))
	for i, p := range kept {
		parts[i] = p.raw
	}
	return strings.Join(parts, "&")
}

func isTrackingParam(key string) bool {
	key = strings.ToLower(key)
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	_, ok := trackingParams[key]
	return ok
}
