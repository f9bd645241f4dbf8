package db

import (
	"go.uber.org/zap"

	"lsmkv/internal/filter"
)

type Options struct {
	// MemtableFlushThreshold is the buffered size in bytes at which
	// NeedsFlush reports true. Zero disables the hint.
	MemtableFlushThreshold int64
	// BloomFalsePositiveRate sizes the per-table bloom filters.
	BloomFalsePositiveRate float64
	// DisableMmap reads tables with pread instead of memory mappings.
	DisableMmap bool
	Logger      *zap.Logger
}

var DefaultOptions = Options{
	MemtableFlushThreshold: 4 << 20,
	BloomFalsePositiveRate: filter.DefaultFalsePositiveRate,
}

type Option func(*Options)

func WithMemtableFlushThreshold(n int64) Option {
	return func(o *Options) {
		o.MemtableFlushThreshold = n
	}
}

func WithBloomFalsePositiveRate(p float64) Option {
	return func(o *Options) {
		o.BloomFalsePositiveRate = p
	}
}

func WithDisableMmap() Option {
	return func(o *Options) {
		o.DisableMmap = true
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}
