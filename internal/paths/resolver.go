// Package paths resolves the named directory prefixes that Kaizen
// config files may use in place of absolute paths. A config that
// declares
//
//	paths:
//	  vault: ~/Documents/Finance
//
// can then refer to "vault:metrics.yaml" or "vault:" for the directory
// itself. A leading ~ is expanded everywhere.
package paths

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Resolver maps named prefixes to directory paths. It is nil-safe: a
// nil *Resolver still expands home directories but knows no prefixes.
type Resolver struct {
	prefixes map[string]string // "vault:" -> "/home/me/Documents/Finance"
	sorted   []string          // prefixes sorted by descending length
}

// New creates a Resolver from a prefix-to-directory map. Keys are
// prefix names without the trailing colon. Home directory tildes in
// values are expanded at construction time. Returns nil if the map is
// empty or nil.
func New(prefixes map[string]string) *Resolver {
	if len(prefixes) == 0 {
		return nil
	}
	m := make(map[string]string, len(prefixes))
	sorted := make([]string, 0, len(prefixes))
	for name, dir := range prefixes {
		key := name
		if !strings.HasSuffix(key, ":") {
			key += ":"
		}
		m[key] = expandHome(dir)
		sorted = append(sorted, key)
	}
	// Longer prefixes match first so "fin:" cannot steal "finance:".
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i]) > len(sorted[j])
	})
	return &Resolver{prefixes: m, sorted: sorted}
}

// Resolve expands a prefixed or ~-relative path. Paths with no
// registered prefix are returned with only ~ expanded. A bare prefix
// returns the directory itself.
func (r *Resolver) Resolve(path string) string {
	if r != nil {
		for _, prefix := range r.sorted {
			if rel, ok := strings.CutPrefix(path, prefix); ok {
				base := r.prefixes[prefix]
				if rel == "" {
					return base
				}
				return filepath.Join(base, rel)
			}
		}
	}
	return expandHome(path)
}

// ResolveAll resolves each path in place.
func (r *Resolver) ResolveAll(list []string) {
	for i, p := range list {
		list[i] = r.Resolve(p)
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
