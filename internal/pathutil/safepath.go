package pathutil

import (
	"strings"
	"unicode"

	"github.com/keithlinneman/slidegate/internal/xerrors"
)

// MaxKeyLen bounds document keys accepted from clients.
const MaxKeyLen = 512

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// ValidateKey checks a client supplied, slash separated object key before it
// is joined onto an upstream URL or bucket prefix.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return xerrors.New("key is empty")
	case len(key) > MaxKeyLen:
		return xerrors.Newf("key longer than %d bytes", MaxKeyLen)
	case strings.HasPrefix(key, "/"):
		return xerrors.New("key must be relative")
	case strings.Contains(key, "//"):
		return xerrors.New("key has an empty segment")
	case strings.ContainsRune(key, '\\'):
		return xerrors.New("key contains a backslash")
	case HasDotSegments(key):
		return xerrors.New("key contains a dot segment")
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return xerrors.New("key contains a control character")
		}
	}
	return nil
}
