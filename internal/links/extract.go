// Package links finds URLs in chat messages and reduces them to a canonical form.
package links

import (
	"net/url"
	"regexp"
	"strings"

	"mvdan.cc/xurls/v2"
)

// webURL matches absolute http(s) URLs only. Bare domains are left alone so that
// ordinary words like "go.mod" never turn into links.
var webURL = func() *regexp.Regexp {
	re, err := xurls.StrictMatchingScheme(`https?://`)
	if err != nil {
		panic(err)
	}
	return re
}()

// Extract returns every absolute http(s) URL in text, in order of first
// occurrence, with exact duplicates removed. It never fails: text without
// URLs yields an empty slice.
func Extract(text string) []string {
	if strings.TrimSpace(text) == "" {
		return []string{}
	}

	found := webURL.FindAllString(text, -1)
	out := make([]string, 0, len(found))
	seen := make(map[string]struct{}, len(found))
	for _, candidate := range found {
		if !isWebURL(candidate) {
			continue
		}
		if _, dup := seen[candidate]; dup {
			continue
		}
		seen[candidate] = struct{}{}
		out = append(out, candidate)
	}
	return out
}

// Merge concatenates URL lists, keeping the first occurrence of each entry.
func Merge(lists ...[]string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, list := range lists {
		for _, u := range list {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

func isWebURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Hostname() != ""
}
