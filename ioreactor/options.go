package ioreactor

import "github.com/lzz233/coroutine-lib/internal/rtlog"

// Option configures a Reactor at construction time, following the same
// functional-options shape as package schedule.
type Option interface {
	apply(*options)
}

type options struct {
	logger rtlog.Logger
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// WithLogger overrides the Reactor's structured logger; the default is
// rtlog.Default().
func WithLogger(l rtlog.Logger) Option {
	return optionFunc(func(o *options) { o.logger = l })
}

func resolveOptions(opts []Option) *options {
	o := &options{logger: rtlog.Default()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(o)
	}
	return o
}
