// Package source loads raw coverage report bytes from a location: a local file,
// an http(s) URL or an s3://bucket/key object.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Source fetches the report stored at location.
type Source interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

var (
	ErrUnsupportedLocation = errors.New("unsupported report location")
	ErrNotFound            = errors.New("report not found")
	ErrTooLarge            = errors.New("report exceeds size limit")
	ErrUnauthorized        = errors.New("report source rejected credentials")
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstreamFailure     = errors.New("upstream failure")
)

// DefaultMaxBytes bounds report size when a source is configured without a limit.
const DefaultMaxBytes int64 = 64 << 20

const (
	SchemeFile  = "file"
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeS3    = "s3"
)

// Scheme returns the scheme of location. Anything without "://" is a file path.
func Scheme(location string) string {
	i := strings.Index(location, "://")
	if i <= 0 {
		return SchemeFile
	}
	return strings.ToLower(location[:i])
}

// Router dispatches Fetch to the backend registered for the location's scheme.
// A nil backend disables that scheme.
type Router struct {
	File Source
	HTTP Source
	S3   Source
}

// Fetch implements Source.
func (r *Router) Fetch(ctx context.Context, location string) ([]byte, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("%w: empty location", ErrUnsupportedLocation)
	}
	var backend Source
	switch Scheme(location) {
	case SchemeFile:
		backend = r.File
	case SchemeHTTP, SchemeHTTPS:
		backend = r.HTTP
	case SchemeS3:
		backend = r.S3
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLocation, Redact(location))
	}
	return backend.Fetch(ctx, location)
}

// Redact drops query strings, which often carry tokens, from locations in errors and logs.
func Redact(location string) string {
	if i := strings.IndexByte(location, '?'); i >= 0 {
		return location[:i] + "?..."
	}
	return location
}

func limitOrDefault(n int64) int64 {
	if n <= 0 {
		return DefaultMaxBytes
	}
	return n
}
