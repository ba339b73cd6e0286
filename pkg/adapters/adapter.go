// Package adapters provides fivedreg dataset source connectors. A source locates a
// serialized dataset container (a local file or a remote HTTP object), answers
// existence checks and opens a byte stream over it.
//
// Available sources:
//   - FileSource: a path on the local filesystem (optionally file:// prefixed)
//   - HTTPSource: an http:// or https:// URL fetched with GET
//
// Sources are intentionally lightweight. They only move bytes; parsing, validation
// and cleaning of the container is left to the dataset package.
package adapters

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"
)

// Source is the interface that all dataset sources must implement.
//
// Exists and Open are synchronous and should respect context cancellation and
// deadlines. Open returns an error wrapping errdefs.ErrNotFound when the
// container does not exist.
type Source interface {
	// Exists reports whether the container can currently be opened.
	Exists(ctx context.Context) (bool, error)

	// Open returns a stream over the raw container bytes. The caller closes it.
	Open(ctx context.Context) (io.ReadCloser, error)

	// Location returns the path or URL the source reads from.
	Location() string

	// Name returns a short identifier for the source kind, e.g. "file" or "http".
	Name() string
}

// Ext returns the lower-cased file extension of a source location, ignoring any
// URL query string or fragment. Example: "https://x/data.JSON?sig=1" -> ".json".
func Ext(location string) string {
	p := location
	if u, err := url.Parse(location); err == nil && u.Scheme != "" && u.Host != "" {
		p = u.Path
	}
	return strings.ToLower(path.Ext(p))
}
