// Package dberr defines the error kinds surfaced by the storage engine.
//
// Every error returned by juicydb wraps exactly one of the sentinels below,
// so callers classify failures with errors.Is and read the wrapped message
// for context (page numbers, table names).
package dberr

import (
	"github.com/pkg/errors"
)

var (
	// ErrIO reports a failed file operation or an out-of-bounds page access.
	ErrIO = errors.New("i/o error")

	// ErrFormat reports a corrupt or truncated page, cell or header.
	ErrFormat = errors.New("format error")

	// ErrDuplicateKey reports an insert of a key that is already present.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound reports a missing key, table or index.
	ErrNotFound = errors.New("not found")

	// ErrNoSpace reports that a cell does not fit into a page.
	// The B-tree resolves it by splitting; it only escapes as ErrRecordTooLarge.
	ErrNoSpace = errors.New("no space left in page")

	// ErrRecordTooLarge reports a cell that cannot fit even into an empty page.
	ErrRecordTooLarge = errors.New("record too large")

	// ErrSchema reports a row or statement that does not match a schema.
	ErrSchema = errors.New("schema mismatch")

	// ErrExists reports a table or index name that is already in use.
	ErrExists = errors.New("already exists")

	// ErrClosed reports use of a closed database or file.
	ErrClosed = errors.New("closed")

	// ErrConfig reports an unusable option, such as a tree order that does not fit the page size.
	ErrConfig = errors.New("invalid configuration")
)

// IO wraps err as an ErrIO with a formatted context message.
func IO(err error, format string, args ...any) error {
	if err == nil {
		return errors.Wrapf(ErrIO, format, args...)
	}
	return errors.Wrapf(&kindError{kind: ErrIO, cause: err}, format, args...)
}

// Format returns an ErrFormat with a formatted context message.
func Format(format string, args ...any) error {
	return errors.Wrapf(ErrFormat, format, args...)
}

// Wrapf attaches context to a sentinel (or any error).
func Wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}

// Is reports whether err matches target anywhere in its chain.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// kindError keeps both the sentinel kind and the underlying OS error visible
// to errors.Is.
type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *kindError) Is(target error) bool {
	return target == e.kind
}

func (e *kindError) Unwrap() error {
	return e.cause
}
