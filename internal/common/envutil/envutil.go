// Package envutil provides environment-variable helpers shared by the hook
// runner and the process supervisor.
package envutil

import (
	"fmt"
	"sort"
	"strings"
)

// IsSensitive reports whether an environment key matches the sensitive-key
// blocklist. Matching is case-insensitive substring containment.
func IsSensitive(key string, blocklist []string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range blocklist {
		if marker == "" {
			continue
		}
		if strings.Contains(upper, strings.ToUpper(marker)) {
			return true
		}
	}
	return false
}

// Sanitize returns environ with every sensitive entry removed.
func Sanitize(environ []string, blocklist []string) []string {
	out := make([]string, 0, len(environ))
	for _, entry := range environ {
		key := entry
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			key = entry[:eq]
		}
		if IsSensitive(key, blocklist) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// Merge overlays the override map onto a base environment, replacing
// duplicate keys. The result is sorted for deterministic child environments.
func Merge(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, entry := range base {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			merged[entry[:eq]] = entry[eq+1:]
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}
