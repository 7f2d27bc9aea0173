// Package cortex is the ambient process-wide entry point: a lazily
// resolved, non-repeatable singleton factory for root Circuits, backed
// by whichever provider SUBSTRATES_PROVIDER selects (spec.md §6 "Entry
// point", §9 "Global provider singleton"). The real SPI/service-loader
// discovery spec.md calls out is out of scope; this package only
// implements "given a provider factory, obtain the Cortex entry point" —
// provider selection is a small in-process registry, not a plugin
// loader.
package cortex

import (
	"fmt"
	"os"
	"sync"

	"code.hybscloud.com/substrates/circuit"
	"code.hybscloud.com/substrates/errs"
	"code.hybscloud.com/substrates/name"
	"code.hybscloud.com/substrates/subject"
)

// ProviderEnv is the environment variable consulted for provider
// selection, overridable per-call via WithProvider.
const ProviderEnv = "SUBSTRATES_PROVIDER"

// DefaultProvider is used when SUBSTRATES_PROVIDER is unset and no
// WithProvider option is given.
const DefaultProvider = "inprocess"

// Cortex is the resolved entry point: the shared Name registry and a
// factory for root Circuits.
type Cortex struct {
	provider string
	names    *name.Registry
}

// Provider returns the name of the provider this Cortex was resolved
// from.
func (c *Cortex) Provider() string { return c.provider }

// Names returns the process-wide Name registry this Cortex uses to
// intern paths — the same instance name.Global returns.
func (c *Cortex) Names() *name.Registry { return c.names }

// Circuit constructs and starts a new root Circuit named n, rooted at
// this Cortex's Name registry. ingressCapacity/transitCapacity round up
// to the next power of 2 (internal/queue's convention); handler may be
// nil.
func (c *Cortex) Circuit(n *name.Name, ingressCapacity, transitCapacity int, handler circuit.Handler) *circuit.Circuit {
	subj := subject.New[circuit.Circuit](subject.ID{}, n, "circuit", nil)
	return circuit.New(subj, ingressCapacity, transitCapacity, handler)
}

// Option configures provider resolution. Only the first call to Get in a
// process observes any Option; construction is not repeatable.
type Option func(*resolveConfig)

type resolveConfig struct {
	provider string
}

// WithProvider overrides SUBSTRATES_PROVIDER for this resolution.
func WithProvider(provider string) Option {
	return func(c *resolveConfig) { c.provider = provider }
}

// Factory builds a Cortex for one named provider.
type Factory func() (*Cortex, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{
		DefaultProvider: newInProcessCortex,
	}
)

// RegisterProvider adds or replaces a named provider factory. Intended
// for use from package init in a provider implementation, before any
// call to Get — registering after Get has already resolved has no
// effect on the already-resolved singleton.
func RegisterProvider(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

func newInProcessCortex() (*Cortex, error) {
	return &Cortex{provider: DefaultProvider, names: name.Global()}, nil
}

var (
	once     sync.Once
	instance *Cortex
	resolved error
)

// Get returns the process-wide Cortex, resolving it on first call.
// Resolution order: the last Option that sets a provider, else
// SUBSTRATES_PROVIDER, else DefaultProvider. Every subsequent call
// returns the same instance (or the same error) regardless of opts —
// per spec.md §9, construction is not repeatable. Failure to resolve
// the selected provider is reported as an errs.Validation failure; the
// caller should treat it as fatal.
func Get(opts ...Option) (*Cortex, error) {
	once.Do(func() {
		cfg := resolveConfig{provider: os.Getenv(ProviderEnv)}
		for _, opt := range opts {
			opt(&cfg)
		}
		if cfg.provider == "" {
			cfg.provider = DefaultProvider
		}

		registryMu.Lock()
		factory, ok := registry[cfg.provider]
		registryMu.Unlock()
		if !ok {
			resolved = errs.Wrap(errs.Validation, nil, fmt.Sprintf("cortex: unknown provider %q", cfg.provider))
			return
		}
		instance, resolved = factory()
	})
	return instance, resolved
}
