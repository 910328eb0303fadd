// Package blobpath validates object paths and builds public object URLs.
package blobpath

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ErrInvalidPath rejects empty or escaping object paths.
var ErrInvalidPath = errors.New("invalid object path")

// Clean validates an object path and returns its canonical form.
func Clean(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidPath
	}
	cleaned := path.Clean("/" + name)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return cleaned, nil
}

// URL joins base and an object path, escaping each segment.
func URL(base, name string) string {
	segments := strings.Split(name, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}

// ErrNotFound is returned by readers for unknown objects.
var ErrNotFound = errors.New("object not found")
