// Package disterr implements the error taxonomy from spec.md §7:
// configuration errors, I/O errors, and messaging errors are all
// fatal and carry a wrapped cause chain; consistency checks that must
// examine every process's contribution aggregate into a multierror
// instead of failing on the first bad rank.
//
// Ground: github.com/pkg/errors.Wrap is used the way
// pkg/resmgr/nri.go uses it in the example pack; go-multierror is
// used the way Kubernetes-adjacent tooling in the same pack declares
// it (hashicorp/go-multierror, a direct dependency of
// containers-nri-plugins) for aggregating independent failures.
package disterr

import (
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Kind classifies a fatal error per spec.md §7's taxonomy.
type Kind int

const (
	KindConfig Kind = iota
	KindIO
	KindMessaging
	KindCacheInvariant
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration"
	case KindIO:
		return "io"
	case KindMessaging:
		return "messaging"
	case KindCacheInvariant:
		return "cache-invariant"
	default:
		return "unknown"
	}
}

// Error is a classified, wrapped fatal error.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.err) }
func (e *Error) Unwrap() error { return e.err }

// Wrap classifies and wraps cause with message, preserving its chain.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, err: errors.Wrap(cause, message)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, err: errors.Wrapf(cause, format, args...)}
}

// Configf constructs a KindConfig error directly from a format string,
// for configuration problems detected without an underlying cause
// (e.g. "C > P").
func Configf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfig, err: fmt.Errorf(format, args...)}
}

// Collector aggregates per-rank failures from a startup-time
// consistency check (e.g. the I3 partition-boundary cross-check, or
// validating every far-memory rank's edge-file record size) so all
// failing ranks are reported together rather than only the first.
type Collector struct {
	merr *multierror.Error
}

// Add records an error from one rank/check. Nil errors are ignored.
func (c *Collector) Add(err error) {
	if err == nil {
		return
	}
	c.merr = multierror.Append(c.merr, err)
}

// ErrorOrNil returns the aggregated error, or nil if nothing failed.
func (c *Collector) ErrorOrNil() error {
	if c.merr == nil {
		return nil
	}
	return c.merr.ErrorOrNil()
}
