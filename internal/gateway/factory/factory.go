// Package factory builds and caches gateway adapter instances. The cache
// key is (gateway type, environment, credential fingerprint) — a SHA-256
// digest of the primary secret, never the secret itself — so rotating a
// credential yields a fresh adapter instead of mutating a cached one.
package factory

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/yourorg/checkout-payments/internal/gateway"
	"github.com/yourorg/checkout-payments/internal/gateway/mercadopago"
	"github.com/yourorg/checkout-payments/internal/gateway/nmi"
	"github.com/yourorg/checkout-payments/internal/gateway/paypal"
	"github.com/yourorg/checkout-payments/internal/gateway/square"
	"github.com/yourorg/checkout-payments/internal/gateway/stripe"
	"github.com/yourorg/checkout-payments/internal/metrics"
)

// Config selects and parameterizes an adapter.
type Config struct {
	Type        gateway.Type
	Credentials gateway.Credentials
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

type cacheKey struct {
	gatewayType gateway.Type
	environment gateway.Environment
	fingerprint string
}

// Factory caches adapters for the process lifetime. Eviction replaces map
// entries; an adapter reference already handed out stays valid, so a
// request that fetched it before eviction is never observed mid-flight.
type Factory struct {
	mu    sync.RWMutex
	cache map[cacheKey]gateway.Adapter
}

// New creates an empty factory.
func New() *Factory {
	return &Factory{cache: make(map[cacheKey]gateway.Adapter)}
}

func keyFor(cfg Config) cacheKey {
	return cacheKey{
		gatewayType: cfg.Type,
		environment: cfg.Credentials.Environment,
		fingerprint: cfg.Credentials.Fingerprint(),
	}
}

// Adapter returns the cached instance for the config, constructing it on
// first use. Identical (type, environment, secret) yields the same
// instance; a different secret yields a distinct one. Unknown types fail:
// dispatch is a closed set, not runtime extension.
func (f *Factory) Adapter(cfg Config) (gateway.Adapter, error) {
	key := keyFor(cfg)

	f.mu.RLock()
	cached, ok := f.cache[key]
	f.mu.RUnlock()
	if ok {
		return cached, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[key]; ok {
		return cached, nil
	}

	adapter, err := build(cfg)
	if err != nil {
		return nil, err
	}
	f.cache[key] = adapter
	metrics.AdapterCacheSize.Set(float64(len(f.cache)))
	return adapter, nil
}

func build(cfg Config) (gateway.Adapter, error) {
	switch cfg.Type {
	case gateway.TypeStripe:
		return stripe.New(cfg.Credentials, cfg.HTTPClient), nil
	case gateway.TypePayPal:
		return paypal.New(cfg.Credentials, cfg.HTTPClient), nil
	case gateway.TypeNMI:
		return nmi.New(cfg.Credentials, cfg.HTTPClient), nil
	case gateway.TypeSquare:
		return square.New(cfg.Credentials, cfg.HTTPClient), nil
	case gateway.TypeMercadoPago:
		return mercadopago.New(cfg.Credentials)
	default:
		return nil, fmt.Errorf("%w: %q", gateway.ErrUnknownGateway, cfg.Type)
	}
}

// ClearAdapter evicts the instance for one credential set, for credential
// rotation events.
func (f *Factory) ClearAdapter(gatewayType gateway.Type, creds gateway.Credentials) {
	key := cacheKey{gatewayType: gatewayType, environment: creds.Environment, fingerprint: creds.Fingerprint()}
	f.mu.Lock()
	delete(f.cache, key)
	metrics.AdapterCacheSize.Set(float64(len(f.cache)))
	f.mu.Unlock()
}

// ClearAllAdapters empties the cache.
func (f *Factory) ClearAllAdapters() {
	f.mu.Lock()
	f.cache = make(map[cacheKey]gateway.Adapter)
	metrics.AdapterCacheSize.Set(0)
	f.mu.Unlock()
}

// Size reports how many adapters are cached.
func (f *Factory) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.cache)
}
