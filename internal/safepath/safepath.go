// Package safepath validates bank and key identifiers before they are used to
// build filesystem paths. Every resolved path must stay inside the configured
// cache root; identifiers that could escape it are rejected, never sanitized.
package safepath

import (
	"fmt"
	"strings"
)

// Key checks a single path segment: no separators, no parent references.
func Key(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("key %q contains a path separator", key)
	}
	return segment(key)
}

// Bank checks a hierarchical bank name: one or more "/"-separated segments,
// none of which may be empty, ".", "..", or contain a backslash.
func Bank(bank string) error {
	if bank == "" {
		return fmt.Errorf("empty bank")
	}
	if strings.HasPrefix(bank, "/") {
		return fmt.Errorf("bank %q is absolute", bank)
	}
	if strings.Contains(bank, "\\") {
		return fmt.Errorf("bank %q contains a backslash", bank)
	}
	for _, seg := range strings.Split(bank, "/") {
		if seg == "" {
			return fmt.Errorf("bank %q has an empty segment", bank)
		}
		if err := segment(seg); err != nil {
			return fmt.Errorf("bank %q: %v", bank, err)
		}
	}
	return nil
}

func segment(s string) error {
	switch s {
	case ".", "..":
		return fmt.Errorf("segment %q is a relative path reference", s)
	}
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("segment contains a NUL byte")
	}
	// 0x1f is the unit separator the flat-keyspace drivers join bank and key
	// with; allowing it would alias distinct (bank, key) pairs there.
	if strings.IndexByte(s, 0x1f) >= 0 {
		return fmt.Errorf("segment contains a unit separator byte")
	}
	return nil
}
