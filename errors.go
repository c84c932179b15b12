package juicydb

import "github.com/oda/juicydb/internal/dberr"

// Error kinds returned by the engine. Classify with errors.Is.
var (
	ErrIO             = dberr.ErrIO
	ErrFormat         = dberr.ErrFormat
	ErrDuplicateKey   = dberr.ErrDuplicateKey
	ErrNotFound       = dberr.ErrNotFound
	ErrRecordTooLarge = dberr.ErrRecordTooLarge
	ErrSchema         = dberr.ErrSchema
	ErrExists         = dberr.ErrExists
	ErrClosed         = dberr.ErrClosed
	ErrConfig         = dberr.ErrConfig
)
