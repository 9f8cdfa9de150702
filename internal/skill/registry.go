package skill

import (
	"sort"
	"sync"

	"github.com/ShayCichocki/switchboard/internal/provider"
)

// Registry holds the active catalogue and the handlers that serve it.
// Capabilities without a registered handler are served by a
// GenerationHandler built from their instructions.
type Registry struct {
	gen provider.Generator

	mu       sync.RWMutex
	skills   map[string]Skill
	handlers map[string]Handler
	onChange []func([]Skill)
}

// NewRegistry creates a registry whose default handlers call gen.
func NewRegistry(gen provider.Generator, skills []Skill) *Registry {
	r := &Registry{
		gen:      gen,
		skills:   make(map[string]Skill),
		handlers: make(map[string]Handler),
	}
	r.Replace(skills)
	return r
}

// Register installs a custom handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// OnChange registers fn to run after every Replace.
func (r *Registry) OnChange(fn func([]Skill)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Replace swaps in a new catalogue, keeping the latest version per name.
func (r *Registry) Replace(skills []Skill) {
	latest := Latest(skills)
	next := make(map[string]Skill, len(latest))
	for _, s := range latest {
		next[s.Name] = s
	}

	r.mu.Lock()
	r.skills = next
	hooks := append(([]func([]Skill))(nil), r.onChange...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(latest)
	}
}

// Get returns the skill called name.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// Has reports whether name is in the catalogue.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns the catalogue sorted by name.
func (r *Registry) List() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the catalogue's names, sorted.
func (r *Registry) Names() []string {
	skills := r.List()
	names := make([]string, len(skills))
	for i, s := range skills {
		names[i] = s.Name
	}
	return names
}

// Len returns the catalogue size.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.skills)
}

// Handler returns the handler for name. An empty or unknown name gets the
// plain generation handler used for direct answers.
func (r *Registry) Handler(name string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[name]; ok {
		return h
	}
	s, ok := r.skills[name]
	if !ok {
		return &GenerationHandler{Gen: r.gen}
	}
	return &GenerationHandler{Gen: r.gen, Name: s.Name, Instructions: s.Instructions}
}

// ProviderFor returns the breaker name guarding name's handler.
func (r *Registry) ProviderFor(name string) string {
	if s, ok := r.Get(name); ok && s.Provider != "" {
		return s.Provider
	}
	return DefaultProvider
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
