// Package httpheaders handles user-configured header maps for the cloud dial.
package httpheaders

import (
	"net/http"
	"sort"
	"strings"
)

// reserved headers are owned by the relay and cannot be overridden from config.
var reserved = []string{"Authorization", "X-Agent-ID"}

// Build converts a configured header map into an http.Header. Empty names
// are dropped and reserved names are ignored.
func Build(configured map[string]string) http.Header {
	out := make(http.Header, len(configured))
	for _, key := range sortedKeys(configured) {
		name := strings.TrimSpace(key)
		if name == "" || isReserved(name) {
			continue
		}
		out.Set(name, configured[key])
	}
	return out
}

// Redact returns a copy of h safe for logging.
func Redact(h http.Header) http.Header {
	out := h.Clone()
	for name := range out {
		if strings.EqualFold(name, "Authorization") || strings.Contains(strings.ToLower(name), "token") {
			out.Set(name, "[redacted]")
		}
	}
	return out
}

func isReserved(name string) bool {
	for _, r := range reserved {
		if strings.EqualFold(r, name) {
			return true
		}
	}
	return false
}

func sortedKeys(src map[string]string) []string {
	keys := make([]string, 0, len(src))
	for key := range src {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		li := strings.ToLower(strings.TrimSpace(keys[i]))
		lj := strings.ToLower(strings.TrimSpace(keys[j]))
		if li == lj {
			return keys[i] < keys[j]
		}
		return li < lj
	})
	return keys
}
