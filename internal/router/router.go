// Package router maps free text to ranked capabilities.
//
// Routing runs in stages. Explicit invocations ("/weather", "@search",
// "use notes:") and capability match rules short-circuit with a score of 1.
// Otherwise the text is embedded and searched against the capability index.
// When the embedding or vector dependency is unavailable, capabilities are
// ranked by keyword overlap instead. If no keyword overlaps and a classifier
// is configured, the generation model picks a single capability by name.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/switchboard/internal/breaker"
	"github.com/ShayCichocki/switchboard/internal/cache"
	"github.com/ShayCichocki/switchboard/internal/logging"
	"github.com/ShayCichocki/switchboard/internal/provider"
	"github.com/ShayCichocki/switchboard/internal/skill"
	"github.com/ShayCichocki/switchboard/internal/trace"
	"github.com/ShayCichocki/switchboard/internal/vector"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Match sources.
const (
	SourceExplicit = "explicit"
	SourceRule     = "rule"
	SourceSemantic = "semantic"
	SourceKeyword  = "keyword"
	SourceClassify = "classify"
	SourceCache    = "cache"
	SourceNone     = "none"
)

// Observer receives routing outcomes. *metrics.Recorder satisfies it.
type Observer interface {
	ObserveRoute(source string)
}

type nopObserver struct{}

func (nopObserver) ObserveRoute(string) {}

// classifyScore is the score given to a capability picked by the classifier.
const classifyScore = 0.5

// Classifier answers a prompt with a short label.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (string, error)
}

// Options configures a Router. Embedder, Index, Classifier and Cache are
// optional; without an embedder or index every request takes the keyword
// path.
type Options struct {
	MinScore           float64
	Limit              int
	FallbackMinOverlap int
	CacheTTL           time.Duration

	Embedder   provider.Embedder
	Index      vector.Index
	Classifier Classifier
	Breakers   *breaker.Registry
	Cache      *cache.Store
	Observer   Observer
	Logger     *zerolog.Logger
}

// Router ranks capabilities for a request.
type Router struct {
	skills     *skill.Registry
	embedder   provider.Embedder
	index      vector.Index
	classifier Classifier
	breakers   *breaker.Registry
	cache      *cache.Store
	obs        Observer
	log        zerolog.Logger
	minScore   float64
	limit      int
	minOverlap int
	cacheTTL   time.Duration

	generation atomic.Uint64
	indexMu    sync.Mutex
	indexed    map[string]struct{}
}

// New creates a Router over the skills registry.
func New(skills *skill.Registry, opts Options) *Router {
	r := &Router{
		skills:     skills,
		embedder:   opts.Embedder,
		index:      opts.Index,
		classifier: opts.Classifier,
		breakers:   opts.Breakers,
		cache:      opts.Cache,
		obs:        opts.Observer,
		minScore:   opts.MinScore,
		limit:      opts.Limit,
		minOverlap: opts.FallbackMinOverlap,
		cacheTTL:   opts.CacheTTL,
		indexed:    make(map[string]struct{}),
	}
	if r.breakers == nil {
		r.breakers = breaker.NewRegistry(breaker.DefaultPolicy(), nil, nil)
	}
	if r.obs == nil {
		r.obs = nopObserver{}
	}
	if r.minScore <= 0 {
		r.minScore = 0.7
	}
	if r.limit <= 0 {
		r.limit = 3
	}
	if r.minOverlap <= 0 {
		r.minOverlap = 1
	}
	if r.cacheTTL <= 0 {
		r.cacheTTL = 10 * time.Minute
	}
	if opts.Logger != nil {
		r.log = *opts.Logger
	} else {
		r.log = logging.For("router")
	}
	return r
}

// Route returns up to limit capabilities for text, best first. limit <= 0
// uses the configured default. An empty result means no capability applies.
func (r *Router) Route(ctx context.Context, text string, limit int) ([]models.Match, error) {
	if limit <= 0 {
		limit = r.limit
	}
	normalized := Normalize(text)
	if normalized == "" {
		r.obs.ObserveRoute(SourceNone)
		return nil, nil
	}

	if m := r.literal(text, normalized, limit); len(m) > 0 {
		r.obs.ObserveRoute(m[0].Source)
		return m, nil
	}

	key := r.cacheKey(normalized, limit)
	if cached, ok := r.cached(ctx, key); ok {
		r.obs.ObserveRoute(SourceCache)
		return cached, nil
	}

	matches, err := r.semantic(ctx, normalized, limit)
	if err == nil {
		r.store(ctx, key, matches)
		r.observe(matches)
		return matches, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	r.log.Warn().Err(err).Str(logging.EVENT, "semantic_unavailable").Msg("falling back to keyword routing")
	matches = r.keyword(normalized, limit)
	if len(matches) == 0 {
		matches, err = r.classify(ctx, normalized)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			r.log.Warn().Err(err).Str(logging.EVENT, "classify_failed").Msg("no capability from classification")
		}
	}
	r.observe(matches)
	return matches, nil
}

func (r *Router) observe(matches []models.Match) {
	if len(matches) == 0 {
		r.obs.ObserveRoute(SourceNone)
		return
	}
	r.obs.ObserveRoute(matches[0].Source)
}

// literal handles explicit invocations and match rules.
func (r *Router) literal(text, normalized string, limit int) []models.Match {
	for _, name := range ExplicitNames(text) {
		if r.skills.Has(name) {
			return []models.Match{{Capability: name, Score: 1, Source: SourceExplicit}}
		}
	}

	env := skill.MatchEnv{Text: normalized, Words: Words(normalized)}
	var matches []models.Match
	for _, s := range r.skills.List() {
		ok, err := s.Matches(env)
		if err != nil {
			r.log.Warn().Err(err).Str(logging.CAPABILITY, s.Name).Msg("match rule failed")
			continue
		}
		if ok {
			matches = append(matches, models.Match{Capability: s.Name, Score: 1, Source: SourceRule})
		}
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func (r *Router) semantic(ctx context.Context, normalized string, limit int) ([]models.Match, error) {
	if r.embedder == nil || r.index == nil {
		return nil, errors.New("semantic routing not configured")
	}
	h := trace.FromContext(ctx)

	start := time.Now()
	vec, err := breaker.Do(ctx, r.breakers.Get(breaker.Embedding), func(ctx context.Context) ([]float32, error) {
		return r.embedder.Embed(ctx, normalized)
	})
	h.RecordCall(callTrace("embed", normalized, fmt.Sprintf("%d dims", len(vec)), time.Since(start), err))
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}

	start = time.Now()
	hits, err := breaker.Do(ctx, r.breakers.Get(breaker.Vector), func(ctx context.Context) ([]vector.Hit, error) {
		// Over-fetch so hits for removed capabilities do not crowd out live ones.
		return r.index.Search(ctx, vec, limit*2, r.minScore)
	})
	h.RecordCall(callTrace("vector_search", normalized, fmt.Sprintf("%d hits", len(hits)), time.Since(start), err))
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	matches := make([]models.Match, 0, len(hits))
	for _, hit := range hits {
		if !r.skills.Has(hit.ID) {
			continue
		}
		matches = append(matches, models.Match{Capability: hit.ID, Score: hit.Score, Source: SourceSemantic})
		if len(matches) == limit {
			break
		}
	}
	return matches, nil
}

func callTrace(name, input, output string, d time.Duration, err error) models.CallTrace {
	c := models.CallTrace{Name: name, InputPreview: input, OutputPreview: output, Duration: d}
	if err != nil {
		c.IsError = true
		c.OutputPreview = err.Error()
	}
	return c
}

// keyword ranks capabilities by how many distinct request terms appear in
// their description or keywords.
func (r *Router) keyword(normalized string, limit int) []models.Match {
	terms := Terms(normalized)
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		name    string
		overlap int
	}
	var ranked []scored
	for _, s := range r.skills.List() {
		vocab := make(map[string]struct{})
		for _, w := range Terms(s.Description) {
			vocab[w] = struct{}{}
		}
		for _, kw := range s.Keywords {
			for _, w := range Words(Normalize(kw)) {
				vocab[w] = struct{}{}
			}
		}
		vocab[s.Name] = struct{}{}

		overlap := 0
		for _, t := range terms {
			if _, ok := vocab[t]; ok {
				overlap++
			}
		}
		if overlap >= r.minOverlap {
			ranked = append(ranked, scored{name: s.Name, overlap: overlap})
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].overlap != ranked[j].overlap {
			return ranked[i].overlap > ranked[j].overlap
		}
		return ranked[i].name < ranked[j].name
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	matches := make([]models.Match, len(ranked))
	for i, s := range ranked {
		matches[i] = models.Match{
			Capability: s.name,
			Score:      float64(s.overlap) / float64(len(terms)),
			Source:     SourceKeyword,
		}
	}
	return matches
}

const classifyPrompt = `Pick the capability that best handles the request.

Capabilities:
%s

Request: %s

Answer with the capability name only, or none if no capability fits.`

// classify asks the generation model to name one capability. An answer that
// is not a known capability yields no match.
func (r *Router) classify(ctx context.Context, normalized string) ([]models.Match, error) {
	if r.classifier == nil {
		return nil, nil
	}
	skills := r.skills.List()
	if len(skills) == 0 {
		return nil, nil
	}
	var b strings.Builder
	for _, s := range skills {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	}
	prompt := fmt.Sprintf(classifyPrompt, strings.TrimRight(b.String(), "\n"), normalized)

	start := time.Now()
	label, err := breaker.Do(ctx, r.breakers.Get(breaker.Generation), func(ctx context.Context) (string, error) {
		return r.classifier.Classify(ctx, prompt)
	})
	trace.FromContext(ctx).RecordCall(callTrace("classify", normalized, label, time.Since(start), err))
	if err != nil {
		return nil, fmt.Errorf("classify request: %w", err)
	}

	name := strings.ToLower(provider.FirstLine(label))
	if !r.skills.Has(name) {
		return nil, nil
	}
	return []models.Match{{Capability: name, Score: classifyScore, Source: SourceClassify}}, nil
}

// Index embeds every catalogue entry into the vector index and removes
// entries no longer in the catalogue. Cached routing decisions are
// invalidated.
func (r *Router) Index(ctx context.Context) error {
	if r.embedder == nil || r.index == nil {
		return nil
	}
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	defer r.generation.Add(1)

	current := make(map[string]struct{})
	var errs []error
	for _, s := range r.skills.List() {
		current[s.Name] = struct{}{}
		vec, err := breaker.Do(ctx, r.breakers.Get(breaker.Embedding), func(ctx context.Context) ([]float32, error) {
			return r.embedder.Embed(ctx, s.EmbeddingText())
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("embed %s: %w", s.Name, err))
			continue
		}
		payload := map[string]string{"version": s.VersionString(), "provider": s.Provider}
		err = r.breakers.Get(breaker.Vector).Call(ctx, func(ctx context.Context) error {
			return r.index.Upsert(ctx, s.Name, vec, payload)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("index %s: %w", s.Name, err))
			continue
		}
		r.indexed[s.Name] = struct{}{}
	}

	for name := range r.indexed {
		if _, ok := current[name]; ok {
			continue
		}
		err := r.breakers.Get(breaker.Vector).Call(ctx, func(ctx context.Context) error {
			return r.index.Delete(ctx, name)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
			continue
		}
		delete(r.indexed, name)
	}

	r.log.Info().Str(logging.EVENT, "indexed").Int("skills", len(current)).Int("errors", len(errs)).Msg("capability index refreshed")
	return errors.Join(errs...)
}

func (r *Router) cacheKey(normalized string, limit int) string {
	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%d:%d:%s", r.generation.Load(), limit, hex.EncodeToString(sum[:16]))
}

type cachedRoute struct {
	Matches []models.Match `json:"matches"`
}

func (r *Router) cached(ctx context.Context, key string) ([]models.Match, bool) {
	if r.cache == nil {
		return nil, false
	}
	v, ok, err := cache.GetJSON[cachedRoute](ctx, r.cache, cache.NamespaceRoutes, key)
	if err != nil {
		r.log.Debug().Err(err).Msg("route cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	for _, m := range v.Matches {
		if !r.skills.Has(m.Capability) {
			return nil, false
		}
	}
	return v.Matches, true
}

func (r *Router) store(ctx context.Context, key string, matches []models.Match) {
	if r.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, r.cache, cache.NamespaceRoutes, key, cachedRoute{Matches: matches}, r.cacheTTL); err != nil {
		r.log.Debug().Err(err).Msg("route cache write failed")
	}
}

// Describe renders matches for logs and CLI output.
func Describe(matches []models.Match) string {
	if len(matches) == 0 {
		return "no capability"
	}
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = fmt.Sprintf("%s (%.2f, %s)", m.Capability, m.Score, m.Source)
	}
	return strings.Join(parts, ", ")
}
