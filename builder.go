package tokenforge

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tokenforge/tokenforge/store"
)

// Builder assembles an Engine. Construction is allocation-only; validation
// and component wiring happen once in Build.
type Builder struct {
	config      Config
	store       store.Store
	managedKeys bool
	built       bool
}

// New returns a Builder seeded with the default configuration.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithAlgorithm selects the signing algorithm.
func (b *Builder) WithAlgorithm(alg Algorithm) *Builder {
	b.config.Algorithm = alg
	return b
}

// WithSecret sets the symmetric secret for the HS family.
func (b *Builder) WithSecret(secret []byte) *Builder {
	b.config.Secret = cloneBytes(secret)
	return b
}

// WithKeyPair sets PEM key material for the RS/ES families. Either side
// may be nil when only signing or only verifying is needed.
func (b *Builder) WithKeyPair(privatePEM, publicPEM []byte) *Builder {
	b.config.PrivateKeyPEM = cloneBytes(privatePEM)
	b.config.PublicKeyPEM = cloneBytes(publicPEM)
	return b
}

// WithStore attaches the shared key-value store backing refresh reuse
// detection and signing-key rotation.
func (b *Builder) WithStore(st store.Store) *Builder {
	b.store = st
	return b
}

// WithRedis attaches a Redis client as the shared store.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.store = store.NewRedis(client, "")
	return b
}

// WithManagedKeys makes the engine verify against the rotation manager's
// valid-key set instead of the static Config material. Requires a store.
func (b *Builder) WithManagedKeys() *Builder {
	b.managedKeys = true
	return b
}

// Build validates the configuration and wires the engine components. A
// Builder is single-use.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, fmt.Errorf("%w: builder already used", ErrEngineNotReady)
	}
	b.built = true

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engine := &Engine{cfg: cfg, inspect: NewTokenIntrospector(), metrics: NewMetrics()}

	var keys *KeyRotationManager
	if b.managedKeys {
		if b.store == nil {
			return nil, fmt.Errorf("%w: managed keys require a store", ErrConfigInvalid)
		}
		var err error
		keys, err = NewKeyRotationManager(b.store, cfg.KeyRotationInterval, cfg.KeyGracePeriod)
		if err != nil {
			return nil, err
		}
		keys.metrics = engine.metrics
	}

	engine.keys = keys
	engine.encoder = NewEncoder(&engine.cfg)
	if keys != nil {
		engine.decoder = NewDecoderWithKeyring(&engine.cfg, keys)
	} else {
		engine.decoder = NewDecoder(&engine.cfg)
	}
	engine.tokens = NewTokenGenerator(&engine.cfg)
	engine.refresh = newRefreshTokenManager(&engine.cfg, engine.decoder, b.store)
	engine.refresh.metrics = engine.metrics
	return engine, nil
}
