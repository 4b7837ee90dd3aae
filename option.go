package dbbus

type dispatcherConfig struct {
	MaxRetries int
	Backoff    BackoffStrategy
}

func newDispatcherConfig() *dispatcherConfig {
	backoff, _ := NewConstantBackoff(defaultRetryDelay)

	return &dispatcherConfig{
		MaxRetries: defaultMaxRetries,
		Backoff:    backoff,
	}
}

// DispatcherOption sets a parameter for the dispatcher.
type DispatcherOption interface {
	Apply(cfg *dispatcherConfig)
}

type optionFn func(cfg *dispatcherConfig)

func (fn optionFn) Apply(cfg *dispatcherConfig) {
	fn(cfg)
}

// WithMaxRetries overrides the number of attempts made against the
// store before surfacing RetriesExhausted.
func WithMaxRetries(n int) DispatcherOption {
	return optionFn(func(cfg *dispatcherConfig) {
		if n > 0 {
			cfg.MaxRetries = n
		}
	})
}

// WithBackoff overrides the delay strategy between retry attempts.
func WithBackoff(b BackoffStrategy) DispatcherOption {
	return optionFn(func(cfg *dispatcherConfig) {
		if b != nil {
			cfg.Backoff = b
		}
	})
}
