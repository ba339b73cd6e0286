package adapters

import (
	"errors"
	"net/http"
	"strings"
)

// Options carries optional settings applied to remote sources.
type Options struct {
	Headers      map[string]string
	TemplateVars map[string]string
	MaxBytes     int64
	HTTPClient   *http.Client
}

// New creates a source from a location string.
// This is the central extension point for adding new source kinds.
//
// Supported locations:
//   - "http://…", "https://…": HTTPSource
//   - "file://…": FileSource with the prefix stripped
//   - anything else: FileSource treating the location as a path
//
// Returns error if the location is empty.
func New(location string, opts Options) (Source, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, errors.New("dataset location cannot be empty")
	}

	lower := strings.ToLower(location)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return &HTTPSource{
			URL:          location,
			Headers:      opts.Headers,
			TemplateVars: opts.TemplateVars,
			MaxBytes:     opts.MaxBytes,
			HTTPClient:   opts.HTTPClient,
		}, nil
	case strings.HasPrefix(lower, "file://"):
		return &FileSource{Path: location[len("file://"):]}, nil
	default:
		return &FileSource{Path: location}, nil
	}
}
