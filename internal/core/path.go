package core

import "strings"

// Path rules shared by every component. Two canonical forms exist:
//
//   - absolute form: starts with "/", trailing slash preserved as given
//     (callers use it to signal directory intent). Used for backend calls.
//   - directory-key form: absolute form with the trailing slash stripped;
//     the root directory is the empty string "". Used for index lookups.
//
// These functions are the only place trailing-slash logic lives.

// NormalizeAbsolute canonicalizes p to absolute form. Blank input is the
// root "/". A caller-supplied trailing slash is preserved.
func NormalizeAbsolute(p string) string {
	s := strings.TrimSpace(p)
	if s == "" {
		return "/"
	}
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return s
}

// DirectoryKey canonicalizes p to directory-key form: absolute form with
// trailing slashes removed, root mapped to "".
func DirectoryKey(p string) string {
	s := strings.TrimRight(NormalizeAbsolute(p), "/")
	return s
}

// SplitPath returns the parent directory key and basename of p.
// SplitPath("/docs/a.txt") is ("/docs", "a.txt"); SplitPath("/a") is ("", "a").
func SplitPath(p string) (parent, name string) {
	key := DirectoryKey(p)
	if key == "" {
		return "", ""
	}
	i := strings.LastIndex(key, "/")
	return key[:i], key[i+1:]
}

// Basename returns the last path segment of p, or "" for the root.
func Basename(p string) string {
	_, name := SplitPath(p)
	return name
}

// IsWithin reports whether candidate equals base or lies underneath it.
// Both arguments are compared in directory-key form. The root contains
// everything.
func IsWithin(base, candidate string) bool {
	b := DirectoryKey(base)
	c := DirectoryKey(candidate)
	if b == "" {
		return true
	}
	return c == b || strings.HasPrefix(c, b+"/")
}

// DisplayPath renders a directory key back to the slash-terminated form
// listings show ("" -> "/", "/docs" -> "/docs/").
func DisplayPath(dirKey string) string {
	if dirKey == "" {
		return "/"
	}
	return dirKey + "/"
}

const (
	// MaxPathLen and MaxNameLen bound what the sync walk will index.
	MaxPathLen = 1024
	MaxNameLen = 255
)
