// Package app wires configuration into a running switchboard: the durable
// store, cache, breakers, tracer, providers, skill catalogue, router and
// orchestrator. Commands build one Runtime and share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ShayCichocki/switchboard/internal/breaker"
	"github.com/ShayCichocki/switchboard/internal/cache"
	"github.com/ShayCichocki/switchboard/internal/config"
	"github.com/ShayCichocki/switchboard/internal/logging"
	"github.com/ShayCichocki/switchboard/internal/metrics"
	"github.com/ShayCichocki/switchboard/internal/notify"
	"github.com/ShayCichocki/switchboard/internal/orchestrator"
	"github.com/ShayCichocki/switchboard/internal/provider"
	"github.com/ShayCichocki/switchboard/internal/retry"
	"github.com/ShayCichocki/switchboard/internal/router"
	"github.com/ShayCichocki/switchboard/internal/skill"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/internal/telemetry"
	"github.com/ShayCichocki/switchboard/internal/trace"
	"github.com/ShayCichocki/switchboard/internal/vector"
	"github.com/ShayCichocki/switchboard/internal/version"
)

const serviceName = "switchboard"

// Options overrides parts of the runtime, for offline use and tests.
type Options struct {
	// Generator replaces the Anthropic client.
	Generator provider.Generator
	// Embedder replaces the configured embedding provider.
	Embedder provider.Embedder
	// Notifier replaces the configured notifier.
	Notifier notify.Notifier
	// Output receives console notifications and stdout span exports.
	Output io.Writer
	// NoWatch disables catalogue hot reload regardless of config.
	NoWatch bool
	// NoSweep leaves the cache sweeper stopped.
	NoSweep bool
}

// Runtime holds every long-lived component.
type Runtime struct {
	Config       *config.Config
	Log          zerolog.Logger
	Metrics      *prometheus.Registry
	Recorder     *metrics.Recorder
	Durable      state.DurableStore
	Cache        *cache.Store
	Breakers     *breaker.Registry
	Telemetry    telemetry.Runtime
	Tracer       *trace.Tracer
	Generator    provider.Generator
	Embedder     provider.Embedder
	Skills       *skill.Registry
	Index        *vector.Memory
	Router       *router.Router
	Orchestrator *orchestrator.Orchestrator
	Notifier     notify.Notifier

	watcher *skill.Watcher
	closers []func() error
}

// New builds a Runtime from cfg. On error everything opened so far is
// closed again.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Runtime, err error) {
	rt := &Runtime{Config: cfg, Log: logging.For("app")}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	rt.Metrics = metrics.NewRegistry()
	if rt.Recorder, err = metrics.NewRecorder(rt.Metrics); err != nil {
		return nil, err
	}

	rt.Breakers = breaker.NewRegistry(
		breakerPolicy(cfg.Breaker.BreakerPolicy),
		breakerOverrides(cfg.Breaker),
		breaker.CoreDependencies,
		breaker.WithLogger(logging.For("breaker")),
		breaker.WithObserver(rt.Recorder),
	)

	if rt.Durable, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.Durable.Close)

	cacheLog := logging.For("cache")
	rt.Cache = cache.New(rt.Durable, cache.Options{
		MaxSize:       cfg.Cache.MaxSize,
		SweepInterval: cfg.Cache.SweepInterval,
		DefaultTTL:    cfg.Cache.DefaultTTL,
		Breaker:       rt.Breakers.Get(breaker.Store),
		Observer:      rt.Recorder,
		Logger:        &cacheLog,
	})
	if !opts.NoSweep {
		rt.Cache.Start()
	}
	rt.closers = append(rt.closers, rt.Cache.Close)

	if rt.Telemetry, err = telemetry.Setup(ctx, cfg.Telemetry, serviceName, version.Get(), opts.Output); err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return rt.Telemetry.Shutdown(ctx)
	})

	traceLog := logging.For("tracer")
	sampleRate := cfg.Tracer.SampleRate
	if sampleRate == 0 {
		sampleRate = trace.SampleNone
	}
	rt.Tracer = trace.New(rt.Cache, trace.Options{
		SampleRate:   sampleRate,
		MaxCalls:     cfg.Tracer.MaxCalls,
		PreviewChars: cfg.Tracer.PreviewChars,
		TTL:          cfg.Tracer.TTL,
		OTel:         rt.Telemetry.Tracer,
		Observer:     rt.Recorder,
		Logger:       &traceLog,
	})

	rt.Generator = opts.Generator
	if rt.Generator == nil {
		var apiKey string
		if !cfg.Anthropic.UseBedrock {
			if apiKey, err = config.GetAPIKey(cfg); err != nil {
				return nil, fmt.Errorf("anthropic: %w", err)
			}
			if err = config.ValidateAPIKey(apiKey); err != nil {
				return nil, fmt.Errorf("anthropic api key from %s: %w", config.GetAPIKeySource(cfg), err)
			}
		}
		if rt.Generator, err = provider.NewAnthropic(ctx, provider.AnthropicConfig{
			Model:      cfg.Anthropic.Model,
			APIKey:     apiKey,
			MaxTokens:  cfg.Anthropic.MaxTokens,
			UseBedrock: cfg.Anthropic.UseBedrock,
			Region:     cfg.Anthropic.Region,
		}); err != nil {
			return nil, err
		}
	}

	rt.Embedder = opts.Embedder
	if rt.Embedder == nil {
		rt.Embedder = newEmbedder(cfg.Embedding)
	}

	skills, err := skill.LoadDir(cfg.Skills.Dir)
	if err != nil {
		// Broken files are skipped; the rest of the catalogue still loads.
		rt.Log.Warn().Err(err).Str("dir", cfg.Skills.Dir).Msg("skill catalogue has errors")
	}
	rt.Skills = skill.NewRegistry(rt.Generator, skills)

	rt.Index = vector.NewMemory()
	routeLog := logging.For("router")
	rt.Router = router.New(rt.Skills, router.Options{
		MinScore:           cfg.Router.MinScore,
		Limit:              cfg.Router.Limit,
		FallbackMinOverlap: cfg.Router.FallbackMinOverlap,
		CacheTTL:           cfg.Router.RouteCacheTTL,
		Embedder:           rt.Embedder,
		Index:              rt.Index,
		Classifier:         rt.Generator,
		Breakers:           rt.Breakers,
		Cache:              rt.Cache,
		Observer:           rt.Recorder,
		Logger:             &routeLog,
	})
	if err := rt.Router.Index(ctx); err != nil {
		rt.Log.Warn().Err(err).Msg("capability index incomplete, keyword routing covers the gaps")
	}
	rt.Skills.OnChange(func([]skill.Skill) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := rt.Router.Index(ctx); err != nil {
			rt.Log.Warn().Err(err).Msg("re-index after catalogue change incomplete")
		}
	})

	if cfg.Skills.Watch && !opts.NoWatch {
		if err := os.MkdirAll(cfg.Skills.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create skills dir: %w", err)
		}
		watchLog := logging.For("skills")
		if rt.watcher, err = skill.Watch(cfg.Skills.Dir, rt.Skills, 250*time.Millisecond, &watchLog); err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, rt.watcher.Close)
	}

	orchLog := logging.For("orchestrator")
	rt.Orchestrator = orchestrator.New(rt.Generator, rt.Skills, rt.Router, rt.Breakers, rt.Tracer, orchestrator.Options{
		MaxParallel: cfg.Orchestrator.MaxParallel,
		Retry: retry.Policy{
			Attempts: cfg.Orchestrator.RetryAttempts,
			Base:     cfg.Orchestrator.RetryBase,
			Max:      cfg.Orchestrator.RetryMax,
			Jitter:   true,
		},
		History:  orchestrator.NewHistory(rt.Cache, cfg.Orchestrator.HistoryTurns, cfg.Orchestrator.HistoryTTL),
		Observer: rt.Recorder,
		Logger:   &orchLog,
	})

	rt.Notifier = opts.Notifier
	if rt.Notifier == nil {
		if rt.Notifier, err = rt.newNotifier(cfg.Notify, opts.Output); err != nil {
			return nil, err
		}
	}

	rt.Log.Debug().
		Str("store", cfg.Store.Driver).
		Str("embedding", cfg.Embedding.Provider).
		Int("skills", rt.Skills.Len()).
		Msg("runtime ready")
	return rt, nil
}

// Close releases everything New opened, newest first.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// Ping checks the durable store.
func (rt *Runtime) Ping(ctx context.Context) error {
	return rt.Breakers.Get(breaker.Store).Call(ctx, rt.Durable.Ping)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (state.DurableStore, error) {
	switch cfg.Driver {
	case "redis":
		r, err := state.NewRedis(ctx, cfg.RedisURL, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := state.OpenMigrated(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

func newEmbedder(cfg config.EmbeddingConfig) provider.Embedder {
	if cfg.Provider == "http" {
		return provider.NewHTTPEmbedder(provider.HTTPEmbedderConfig{
			BaseURL:    cfg.URL,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	}
	return provider.NewHashEmbedder(cfg.Dimensions)
}

func (rt *Runtime) newNotifier(cfg config.NotifyConfig, out io.Writer) (notify.Notifier, error) {
	console := notify.NewConsole(out)
	if cfg.NATSURL == "" {
		return console, nil
	}
	natsLog := logging.For("notify")
	n, err := notify.DialNATS(notify.NATSOptions{
		URL:     cfg.NATSURL,
		Subject: cfg.Subject,
		Name:    serviceName,
		Breaker: rt.Breakers.Get(breaker.Notifier),
		Logger:  &natsLog,
	})
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, n.Close)
	return n, nil
}

func breakerPolicy(p config.BreakerPolicy) breaker.Policy {
	return breaker.Policy{
		FailureThreshold:  p.FailureThreshold,
		HalfOpenSuccesses: p.HalfOpenSuccesses,
		HalfOpenMaxCalls:  p.HalfOpenMaxCalls,
		Cooldown:          p.Cooldown,
		Timeout:           p.Timeout,
	}
}

func breakerOverrides(cfg config.BreakerConfig) map[string]breaker.Policy {
	out := make(map[string]breaker.Policy, len(cfg.Overrides))
	for name := range cfg.Overrides {
		out[name] = breakerPolicy(cfg.PolicyFor(name))
	}
	return out
}
