package search

import "errors"

var (
	// ErrBadRegex is returned when a regex filter does not compile.
	ErrBadRegex = errors.New("invalid regex")

	// ErrBadLevel is returned when a filter names an unknown level.
	ErrBadLevel = errors.New("unknown level")

	// ErrBadCursor is returned when a pagination cursor does not decode.
	ErrBadCursor = errors.New("malformed cursor")

	// ErrBadFilter is returned for any other invalid filter field.
	ErrBadFilter = errors.New("invalid filter")

	// ErrTimeout is returned when a page or export deadline expires. Export
	// flushes the partial CSV before returning it.
	ErrTimeout = errors.New("query timed out")
)
