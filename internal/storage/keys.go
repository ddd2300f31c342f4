package storage

import (
	"fmt"
	"path"
	"strings"
)

// NormalizeKey cleans an object key and rejects keys escaping their root.
func NormalizeKey(key string) (string, error) {
	key = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(key), "/"))
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(cleaned, "/../") {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return cleaned, nil
}

// ResolveRelative resolves ref against the directory holding base, the way
// catalog entries reference their metadata documents.
func ResolveRelative(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("object reference is required")
	}
	if strings.HasPrefix(ref, "/") {
		return NormalizeKey(ref)
	}
	dir := path.Dir(strings.TrimPrefix(strings.TrimSpace(base), "/"))
	if dir == "." {
		return NormalizeKey(ref)
	}
	return NormalizeKey(path.Join(dir, ref))
}

func CleanPrefix(prefix string) string {
	prefix = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(prefix), "/"))
	if prefix == "" {
		return ""
	}
	prefix = path.Clean(prefix)
	if prefix == "." {
		return ""
	}
	return prefix
}
