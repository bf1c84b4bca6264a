package lock

import (
	"fmt"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
	"github.com/mirkobrombin/go-warplock/v1/signal"
	"github.com/mirkobrombin/go-warplock/v1/store"
)

// Factory creates locks sharing the same store, signal channel and options.
// It is safe for concurrent use.
type Factory struct {
	store   store.Store
	signals signal.Channel
	opts    []Option
}

// NewFactory returns a Factory. opts are applied to every Lock it creates.
func NewFactory(s store.Store, signals signal.Channel, opts ...Option) (*Factory, error) {
	if s == nil || signals == nil {
		return nil, fmt.Errorf("%w: store and signal channel are required", warperrors.ErrInvalidArgument)
	}
	return &Factory{store: s, signals: signals, opts: opts}, nil
}

// New returns the Lock named key.
func (f *Factory) New(key string, opts ...Option) (*Lock, error) {
	all := append(append([]Option(nil), f.opts...), opts...)
	return New(key, f.store, f.signals, all...)
}

