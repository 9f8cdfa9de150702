package breaker

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/switchboard/internal/logging"
)

// Well-known dependency names. Capabilities add their own backing provider names.
const (
	Generation = "generation"
	Embedding  = "embedding"
	Vector     = "vector"
	Store      = "store"
	Notifier   = "notifier"
)

// CoreDependencies lists the breakers every registry starts with.
var CoreDependencies = []string{Generation, Embedding, Vector, Store, Notifier}

// Option configures breakers built by New or a Registry.
type Option func(*options)

type options struct {
	now func() time.Time
	log zerolog.Logger
	obs Observer
}

func applyOptions(opts []Option) options {
	o := options{
		now: time.Now,
		log: logging.For("breaker"),
		obs: nopObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock injects a time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for transition events.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithObserver sets the metrics observer.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.obs = obs
		}
	}
}

// Registry holds one breaker per dependency. It is built once at startup and
// shared by every component; breakers are never removed.
type Registry struct {
	defaults  Policy
	overrides map[string]Policy
	opts      []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry holding breakers for names. Overrides are
// keyed by lower-case dependency name; zero fields inherit from defaults.
func NewRegistry(defaults Policy, overrides map[string]Policy, names []string, opts ...Option) *Registry {
	r := &Registry{
		defaults:  defaults.normalized(),
		overrides: make(map[string]Policy, len(overrides)),
		opts:      opts,
		breakers:  make(map[string]*Breaker),
	}
	for name, p := range overrides {
		r.overrides[strings.ToLower(name)] = p
	}
	for _, name := range names {
		r.Get(name)
	}
	return r
}

// PolicyFor returns the effective policy for name.
func (r *Registry) PolicyFor(name string) Policy {
	p := r.defaults
	o, ok := r.overrides[strings.ToLower(name)]
	if !ok {
		return p
	}
	if o.FailureThreshold > 0 {
		p.FailureThreshold = o.FailureThreshold
	}
	if o.HalfOpenSuccesses > 0 {
		p.HalfOpenSuccesses = o.HalfOpenSuccesses
	}
	if o.HalfOpenMaxCalls > 0 {
		p.HalfOpenMaxCalls = o.HalfOpenMaxCalls
	}
	if o.Cooldown > 0 {
		p.Cooldown = o.Cooldown
	}
	if o.Timeout > 0 {
		p.Timeout = o.Timeout
	}
	return p
}

// Get returns the breaker for name, creating it on first use.
// Capabilities added by a catalogue reload get their breakers this way.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.PolicyFor(name), r.opts...)
	r.breakers[name] = b
	return b
}

// Names returns the registered dependency names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot of every breaker keyed by dependency name.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make(map[string]Stats, len(breakers))
	for _, b := range breakers {
		out[b.Name()] = b.Stats()
	}
	return out
}
