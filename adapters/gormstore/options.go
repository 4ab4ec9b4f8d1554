package gormstore

import (
	"github.com/jeremy-morren/purees-sub002/core/es"
)

type options struct {
	storeOpts     []es.StoreOption
	commitRetries int
}

type Option func(*options)

// WithStoreOptions applies the shared store options: logger, metrics,
// observers and clock.
func WithStoreOptions(opts ...es.StoreOption) Option {
	return func(o *options) { o.storeOpts = append(o.storeOpts, opts...) }
}

// WithCommitRetries sets how often a commit that lost a position race is
// retried. Zero disables retries.
func WithCommitRetries(n int) Option {
	return func(o *options) { o.commitRetries = max(n, 0) }
}

func newOptions(opts []Option) (es.StoreOptions, int) {
	o := options{commitRetries: DefaultCommitRetries}
	for _, opt := range opts {
		opt(&o)
	}
	return es.NewStoreOptions(o.storeOpts...), o.commitRetries
}
