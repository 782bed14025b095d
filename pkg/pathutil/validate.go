// Package pathutil validates snapshot tags and the relative paths that make up
// a manifest before they are turned into local or remote paths.
package pathutil

import (
	"path"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/cassnap-project/cassnap/pkg/errclass"
)

var segmentRegex = regexp.MustCompile(`^[a-zA-Z0-9._+=-]+$`)

// ValidateTag checks that a snapshot tag is usable as one directory name.
func ValidateTag(tag string) error {
	if tag == "" {
		return errclass.ErrNameInvalid.WithMessage("tag must not be empty")
	}
	if err := ValidateSegment(tag); err != nil {
		return errclass.ErrNameInvalid.WithMessagef("invalid snapshot tag %q", tag)
	}
	return nil
}

// ValidateSegment checks a single path component: no separators, no dot
// segments, no control characters.
func ValidateSegment(name string) error {
	if name == "" {
		return errclass.ErrNameInvalid.WithMessage("segment must not be empty")
	}

	name = norm.NFC.String(name)

	if name == "." || name == ".." {
		return errclass.ErrNameInvalid.WithMessagef("segment must not be a dot segment: %s", name)
	}
	if strings.ContainsAny(name, "/\\") {
		return errclass.ErrNameInvalid.WithMessagef("segment must not contain separators: %s", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errclass.ErrNameInvalid.WithMessagef("segment must not contain control characters: %q", name)
		}
	}
	if !segmentRegex.MatchString(name) {
		return errclass.ErrNameInvalid.WithMessagef("segment must match [a-zA-Z0-9._+=-]+: %s", name)
	}
	return nil
}

// CleanRelPath normalizes a manifest entry of the form keyspace/table/file.
// It rejects absolute paths and entries that would escape the cluster root.
func CleanRelPath(p string) (string, error) {
	p = norm.NFC.String(strings.TrimSpace(p))
	if p == "" {
		return "", errclass.ErrNameInvalid.WithMessage("path must not be empty")
	}
	if strings.HasPrefix(p, "/") {
		return "", errclass.ErrNameInvalid.WithMessagef("path must be relative: %s", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", errclass.ErrNameInvalid.WithMessagef("path must not contain '..': %s", p)
		}
	}
	return path.Clean(p), nil
}
