package router

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/switchboard/internal/breaker"
	"github.com/ShayCichocki/switchboard/internal/cache"
	"github.com/ShayCichocki/switchboard/internal/provider"
	"github.com/ShayCichocki/switchboard/internal/skill"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/internal/vector"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// axisEmbedder maps text onto one axis per topic so scores are exact.
type axisEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (e *axisEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.fail != nil {
		return nil, e.fail
	}
	text = strings.ToLower(text)
	switch {
	case strings.Contains(text, "weather"):
		return []float32{1, 0, 0, 0}, nil
	case strings.Contains(text, "search") || strings.Contains(text, "find"):
		return []float32{0, 1, 0, 0}, nil
	case strings.Contains(text, "notes"):
		return []float32{0, 0, 1, 0}, nil
	default:
		return []float32{0, 0, 0, 1}, nil
	}
}

func (e *axisEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *axisEmbedder) setFail(err error) {
	e.mu.Lock()
	e.fail = err
	e.mu.Unlock()
}

type routeCounter struct {
	mu      sync.Mutex
	sources []string
}

func (c *routeCounter) ObserveRoute(source string) {
	c.mu.Lock()
	c.sources = append(c.sources, source)
	c.mu.Unlock()
}

func mustSkill(t *testing.T, doc string) skill.Skill {
	t.Helper()
	s, err := skill.Parse([]byte(doc), "test.yaml")
	if err != nil {
		t.Fatalf("parse skill: %v", err)
	}
	return s
}

func testCatalogue(t *testing.T) *skill.Registry {
	return skill.NewRegistry(&provider.Static{}, []skill.Skill{
		mustSkill(t, "name: weather\ndescription: Current weather conditions and forecasts for a city.\nkeywords: [temperature, rain, forecast]\nmatch: '\"forecast\" in words'\n"),
		mustSkill(t, "name: search\ndescription: Find pages and facts on the web.\nkeywords: [lookup, google]\nprovider: search\n"),
		mustSkill(t, "name: notes\ndescription: Store and recall personal notes.\nkeywords: [remember, todo]\n"),
	})
}

type fixture struct {
	router   *Router
	embedder *axisEmbedder
	index    *vector.Memory
	breakers *breaker.Registry
	obs      *routeCounter
}

func newFixture(t *testing.T, withCache bool) *fixture {
	t.Helper()
	nop := zerolog.Nop()
	f := &fixture{
		embedder: &axisEmbedder{},
		index:    vector.NewMemory(),
		obs:      &routeCounter{},
		breakers: breaker.NewRegistry(breaker.Policy{
			FailureThreshold:  2,
			HalfOpenSuccesses: 1,
			Cooldown:          30 * time.Second,
			Timeout:           time.Second,
		}, nil, breaker.CoreDependencies, breaker.WithLogger(nop)),
	}

	opts := Options{
		Embedder: f.embedder,
		Index:    f.index,
		Breakers: f.breakers,
		Observer: f.obs,
		Logger:   &nop,
	}
	if withCache {
		db, err := state.OpenMigrated(filepath.Join(t.TempDir(), "routes.db"))
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		opts.Cache = cache.New(db, cache.Options{Logger: &nop})
	}

	f.router = New(testCatalogue(t), opts)
	if err := f.router.Index(context.Background()); err != nil {
		t.Fatalf("Index: %v", err)
	}
	return f
}

func TestNormalizeAndTerms(t *testing.T) {
	if got := Normalize("  What's the WEATHER, in Paris?! "); got != "what s the weather in paris" {
		t.Errorf("Normalize = %q", got)
	}
	got := Terms("What is the weather in Paris, Paris?")
	if strings.Join(got, ",") != "weather,paris" {
		t.Errorf("Terms = %v", got)
	}
}

func TestExplicitNames(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/weather paris", "weather"},
		{"ask @Search about cats", "search"},
		{"use notes: buy milk", "notes"},
		{"email me at bob@example.com", ""},
		{"see http://x/y", ""},
	}
	for _, tt := range tests {
		got := ExplicitNames(tt.in)
		first := ""
		if len(got) > 0 {
			first = got[0]
		}
		if first != tt.want {
			t.Errorf("ExplicitNames(%q) = %v, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRoute_Explicit(t *testing.T) {
	f := newFixture(t, false)
	before := f.embedder.Calls()

	got, err := f.router.Route(context.Background(), "/notes remember to buy milk", 3)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	want := models.Match{Capability: "notes", Score: 1, Source: SourceExplicit}
	if len(got) != 1 || got[0] != want {
		t.Fatalf("Route = %+v, want %+v", got, want)
	}
	if f.embedder.Calls() != before {
		t.Error("explicit invocation should skip the semantic stage")
	}
}

func TestRoute_UnknownExplicitFallsThrough(t *testing.T) {
	f := newFixture(t, false)
	got, err := f.router.Route(context.Background(), "/translate the weather report", 3)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(got) != 1 || got[0].Capability != "weather" || got[0].Source != SourceSemantic {
		t.Errorf("Route = %+v", got)
	}
}

func TestRoute_MatchRule(t *testing.T) {
	f := newFixture(t, false)
	got, err := f.router.Route(context.Background(), "Forecast for tomorrow?", 3)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(got) != 1 || got[0].Capability != "weather" || got[0].Source != SourceRule || got[0].Score != 1 {
		t.Errorf("Route = %+v", got)
	}
}

func TestRoute_Semantic(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	got, err := f.router.Route(ctx, "Can you find me a good ramen recipe", 3)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(got) != 1 || got[0].Capability != "search" || got[0].Source != SourceSemantic {
		t.Fatalf("Route = %+v", got)
	}
	if got[0].Score < 0.999 {
		t.Errorf("score = %f", got[0].Score)
	}

	none, err := f.router.Route(ctx, "hello", 3)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("hello routed to %+v, want nothing", none)
	}
}

func TestRoute_KeywordFallbackWhenEmbeddingDown(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.embedder.setFail(errors.New("embedding service unavailable"))

	for i := 0; i < 4; i++ {
		got, err := f.router.Route(ctx, "remember my todo list", 3)
		if err != nil {
			t.Fatalf("Route #%d: %v", i, err)
		}
		if len(got) != 1 || got[0].Capability != "notes" || got[0].Source != SourceKeyword {
			t.Fatalf("Route #%d = %+v", i, got)
		}
		// remember, todo, list: two of three terms overlap.
		if got[0].Score < 0.66 || got[0].Score > 0.67 {
			t.Errorf("score = %f, want 2/3", got[0].Score)
		}
	}

	if st := f.breakers.Get(breaker.Embedding).State(); st != models.CircuitOpen {
		t.Errorf("embedding breaker = %s, want open", st)
	}
	calls := f.embedder.Calls()
	if _, err := f.router.Route(ctx, "remember this", 3); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if f.embedder.Calls() != calls {
		t.Error("open breaker should not invoke the embedder")
	}
}

func TestRoute_KeywordRankingAndMinOverlap(t *testing.T) {
	nop := zerolog.Nop()
	r := New(testCatalogue(t), Options{FallbackMinOverlap: 2, Logger: &nop})

	got, err := r.Route(context.Background(), "weather forecast and rain temperature", 3)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	// The weather match rule fires on "forecast".
	if len(got) != 1 || got[0].Source != SourceRule {
		t.Fatalf("Route = %+v", got)
	}

	got, err = r.Route(context.Background(), "weather rain lookup", 3)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(got) != 1 || got[0].Capability != "weather" {
		t.Errorf("Route = %+v, want only weather (search has one term)", got)
	}

	got, _ = r.Route(context.Background(), "google", 3)
	if len(got) != 0 {
		t.Errorf("single-term overlap below minimum matched: %+v", got)
	}
}

func TestRoute_CachesSemanticDecisions(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	first, err := f.router.Route(ctx, "What's the weather in Oslo?", 3)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	calls := f.embedder.Calls()

	second, err := f.router.Route(ctx, "what's the weather in oslo", 3)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if f.embedder.Calls() != calls {
		t.Error("second identical request should be served from the route cache")
	}
	if len(second) != 1 || second[0] != first[0] {
		t.Errorf("cached = %+v, first = %+v", second, first)
	}
	if last := f.obs.sources[len(f.obs.sources)-1]; last != SourceCache {
		t.Errorf("last observed source = %s, want cache", last)
	}

	if err := f.router.Index(ctx); err != nil {
		t.Fatalf("Index: %v", err)
	}
	calls = f.embedder.Calls()
	if _, err := f.router.Route(ctx, "what's the weather in oslo", 3); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if f.embedder.Calls() == calls {
		t.Error("re-index should invalidate cached decisions")
	}
}

func TestIndex_RemovesDroppedCapabilities(t *testing.T) {
	f := newFixture(t, false)
	if f.index.Len() != 3 {
		t.Fatalf("indexed = %d, want 3", f.index.Len())
	}
	f.router.skills.Replace(f.router.skills.List()[:1])
	if err := f.router.Index(context.Background()); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if f.index.Len() != 1 {
		t.Errorf("indexed = %d after catalogue shrink, want 1", f.index.Len())
	}
}

func TestDescribe(t *testing.T) {
	if Describe(nil) != "no capability" {
		t.Error("empty describe")
	}
	got := Describe([]models.Match{{Capability: "weather", Score: 0.91, Source: SourceSemantic}})
	if got != "weather (0.91, semantic)" {
		t.Errorf("Describe = %q", got)
	}
}

// flakyIndex wraps a Memory index and fails searches on demand.
type flakyIndex struct {
	*vector.Memory
	mu       sync.Mutex
	searches int
	fail     error
}

func (x *flakyIndex) Search(ctx context.Context, vec []float32, limit int, minScore float64) ([]vector.Hit, error) {
	x.mu.Lock()
	x.searches++
	fail := x.fail
	x.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return x.Memory.Search(ctx, vec, limit, minScore)
}

func (x *flakyIndex) Searches() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.searches
}

func TestRoute_KeywordFallbackWhenVectorDown(t *testing.T) {
	nop := zerolog.Nop()
	embedder := &axisEmbedder{}
	index := &flakyIndex{Memory: vector.NewMemory()}
	breakers := breaker.NewRegistry(breaker.Policy{
		FailureThreshold:  2,
		HalfOpenSuccesses: 1,
		Cooldown:          30 * time.Second,
		Timeout:           time.Second,
	}, nil, breaker.CoreDependencies, breaker.WithLogger(nop))
	r := New(testCatalogue(t), Options{
		Embedder: embedder,
		Index:    index,
		Breakers: breakers,
		Logger:   &nop,
	})
	ctx := context.Background()
	if err := r.Index(ctx); err != nil {
		t.Fatalf("Index: %v", err)
	}

	index.mu.Lock()
	index.fail = errors.New("vector store unreachable")
	index.mu.Unlock()

	for i := 0; i < 4; i++ {
		got, err := r.Route(ctx, "remember my todo list", 3)
		if err != nil {
			t.Fatalf("Route #%d: %v", i, err)
		}
		if len(got) != 1 || got[0].Capability != "notes" || got[0].Source != SourceKeyword {
			t.Fatalf("Route #%d = %+v", i, got)
		}
	}

	if st := breakers.Get(breaker.Vector).State(); st != models.CircuitOpen {
		t.Fatalf("vector breaker = %s, want open", st)
	}
	if st := breakers.Get(breaker.Embedding).State(); st != models.CircuitClosed {
		t.Errorf("embedding breaker = %s, want closed", st)
	}
	if index.Searches() != 2 {
		t.Errorf("searches = %d, want 2 before the breaker opened", index.Searches())
	}

	searches := index.Searches()
	got, err := r.Route(ctx, "remember this todo", 3)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(got) != 1 || got[0].Source != SourceKeyword {
		t.Errorf("Route = %+v, want keyword match", got)
	}
	if index.Searches() != searches {
		t.Error("open vector breaker should not invoke the index")
	}
}

func TestRoute_ClassifierWhenNoKeywordOverlap(t *testing.T) {
	tests := []struct {
		name    string
		answer  string
		err     error
		want    []models.Match
		prompts int
		text    string
	}{
		{
			name:    "known label",
			answer:  "Weather\n",
			want:    []models.Match{{Capability: "weather", Score: classifyScore, Source: SourceClassify}},
			prompts: 1,
			text:    "will it be sunny tomorrow",
		},
		{
			name:    "unknown label",
			answer:  "translate",
			prompts: 1,
			text:    "will it be sunny tomorrow",
		},
		{
			name:    "none",
			answer:  "none",
			prompts: 1,
			text:    "will it be sunny tomorrow",
		},
		{
			name:    "classifier error",
			err:     errors.New("generation overloaded"),
			prompts: 1,
			text:    "will it be sunny tomorrow",
		},
		{
			name:    "keyword match skips classifier",
			answer:  "weather",
			want:    []models.Match{{Capability: "notes", Score: 1, Source: SourceKeyword}},
			prompts: 0,
			text:    "todo",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nop := zerolog.Nop()
			var prompts []string
			classifier := &provider.Static{
				ClassifyFunc: func(_ context.Context, prompt string) (string, error) {
					prompts = append(prompts, prompt)
					return tt.answer, tt.err
				},
			}
			r := New(testCatalogue(t), Options{Classifier: classifier, Logger: &nop})

			got, err := r.Route(context.Background(), tt.text, 3)
			if err != nil {
				t.Fatalf("Route: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Route = %+v, want %+v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("match %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
			if len(prompts) != tt.prompts {
				t.Fatalf("classifier calls = %d, want %d", len(prompts), tt.prompts)
			}
			if tt.prompts > 0 && !strings.Contains(prompts[0], "- weather: ") {
				t.Errorf("prompt missing capability list: %q", prompts[0])
			}
		})
	}
}
