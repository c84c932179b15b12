package juicydb

import (
	"go.uber.org/zap"

	"github.com/oda/juicydb/internal/pager"
)

type options struct {
	pageSize   int
	order      int
	cacheSize  int
	syncWrites bool
	logger     *zap.Logger
}

func defaultOptions() options {
	return options{
		pageSize: pager.DefaultPageSize,
		logger:   zap.NewNop(),
	}
}

// Option configures a DB.
type Option func(*options)

// WithPageSize sets the page size of files created by the DB.
// Existing files keep the page size they were created with.
func WithPageSize(n int) Option {
	return func(o *options) { o.pageSize = n }
}

// WithOrder sets the tree order (maximum entries per node) of new files.
// Zero derives it from the page size.
func WithOrder(n int) Option {
	return func(o *options) { o.order = n }
}

// WithCacheSize enables a per-file LRU cache of n pages.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithSyncWrites flushes every file touched by a statement once it completes.
func WithSyncWrites(sync bool) Option {
	return func(o *options) { o.syncWrites = sync }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
