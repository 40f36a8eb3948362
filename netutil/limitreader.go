// Package netutil holds the network helpers shared by release sources and
// the plugin HTTP bridge: SSRF filtering, pinned dialing, retries and
// bounded reads.
package netutil

import (
	"errors"
	"fmt"
	"io"
)

// LimitedReader reads at most Limit bytes from R. Unlike io.LimitReader it
// fails with SizeLimitExceededError instead of truncating silently.
type LimitedReader struct {
	R     io.Reader
	Limit int64
	read  int64
}

// NewLimitedReader creates a LimitedReader.
func NewLimitedReader(r io.Reader, limit int64) *LimitedReader {
	return &LimitedReader{R: r, Limit: limit}
}

func (l *LimitedReader) Read(p []byte) (int, error) {
	// Allow one byte past the limit so overflow is observable.
	remaining := l.Limit - l.read + 1
	if remaining <= 0 {
		return 0, &SizeLimitExceededError{Limit: l.Limit, Read: l.read}
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := l.R.Read(p)
	l.read += int64(n)
	if l.read > l.Limit {
		return n - int(l.read-l.Limit), &SizeLimitExceededError{Limit: l.Limit, Read: l.read}
	}
	return n, err
}

// BytesRead returns the number of bytes consumed from R.
func (l *LimitedReader) BytesRead() int64 {
	return l.read
}

// SizeLimitExceededError is returned when more than Limit bytes are available.
type SizeLimitExceededError struct {
	Limit int64
	Read  int64
}

func (e *SizeLimitExceededError) Error() string {
	return fmt.Sprintf("size limit exceeded: read %d bytes, limit is %d bytes", e.Read, e.Limit)
}

// IsSizeLimitExceededError reports whether err wraps a SizeLimitExceededError.
func IsSizeLimitExceededError(err error) bool {
	var sizeLimitErr *SizeLimitExceededError
	return errors.As(err, &sizeLimitErr)
}

// FormatSize renders a byte count for humans.
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d bytes", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 2; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMG"[exp])
}
