package client

import (
	"errors"

	"github.com/floegence/e2erelay/crypto/envelope"
	"github.com/floegence/e2erelay/observability"
)

// Option configures a Client.
type Option func(*options) error

type options struct {
	secret   []byte
	cipher   *envelope.Cipher
	observer observability.ClientObserver
}

func applyOptions(opts []Option) (options, error) {
	cfg := options{observer: observability.NoopClientObserver}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return options{}, err
		}
	}
	return cfg, nil
}

// WithSharedSecret sets the passphrase shared with the node. Without a secret
// only Ping is available.
func WithSharedSecret(secret []byte) Option {
	return func(cfg *options) error {
		if len(secret) == 0 {
			return ErrMissingSecret
		}
		cfg.secret = append([]byte(nil), secret...)
		return nil
	}
}

// WithCipher uses an existing cipher; the caller keeps ownership of it.
func WithCipher(c *envelope.Cipher) Option {
	return func(cfg *options) error {
		if c == nil {
			return errors.New("nil cipher")
		}
		cfg.cipher = c
		return nil
	}
}

// WithObserver reports call outcomes to obs.
func WithObserver(obs observability.ClientObserver) Option {
	return func(cfg *options) error {
		if obs != nil {
			cfg.observer = obs
		}
		return nil
	}
}
