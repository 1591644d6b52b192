package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Guarded wraps a Provider with a circuit breaker, an optional rate limiter,
// an optional LRU cache of query vectors and de-duplication of identical
// in-flight queries. It also pins the deployment's dimensionality: the first
// vector seen (or the backend's advertised size) fixes it, and later vectors
// of another length fail with ErrDimensionMismatch.
type Guarded struct {
	inner   Provider
	breaker *Breaker
	limiter *rate.Limiter
	cache   *lru.Cache[string, []float32]
	group   singleflight.Group
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	dims int
}

// GuardOptions configures Guarded.
type GuardOptions struct {
	Breaker           BreakerConfig
	RequestsPerSecond float64 // 0 disables limiting
	Burst             int     // default: 1
	CacheSize         int     // 0 disables caching

	// CallTimeout bounds a shared query call, which outlives the callers
	// that joined it (default: 30s).
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Status is a point-in-time view of a Guarded provider.
type Status struct {
	Model      string         `json:"model"`
	Dimensions int            `json:"dimensions"`
	Breaker    string         `json:"breaker"`
	Metrics    BreakerMetrics `json:"metrics"`
}

// NewGuarded wraps inner.
func NewGuarded(inner Provider, opts GuardOptions) (*Guarded, error) {
	if inner == nil {
		return nil, fmt.Errorf("embedding: provider is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}

	g := &Guarded{
		inner:   inner,
		breaker: NewBreaker("embedding:"+inner.Model(), opts.Breaker, opts.Logger),
		timeout: opts.CallTimeout,
		logger:  opts.Logger,
		dims:    inner.Dimensions(),
	}

	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	if opts.CacheSize > 0 {
		cache, err := lru.New[string, []float32](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("embedding: failed to create cache: %w", err)
		}
		g.cache = cache
	}

	return g, nil
}

// EmbedQuery embeds text, serving repeated queries from the cache.
func (g *Guarded) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.cache != nil {
		if vec, ok := g.cache.Get(text); ok {
			return copyVector(vec), nil
		}
	}

	// The shared call is detached from the caller that started it so that
	// cancelling one caller does not fail the others. Each caller still
	// abandons the wait on its own context.
	ch := g.group.DoChan(text, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()

		vec, err := g.call(callCtx, func() (interface{}, error) {
			return g.inner.EmbedQuery(callCtx, text)
		})
		if err != nil {
			return nil, err
		}
		v := vec.([]float32)
		if err := g.checkDims(v); err != nil {
			return nil, err
		}
		if g.cache != nil {
			g.cache.Add(text, v)
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return copyVector(res.Val.([]float32)), nil
	}
}

// EmbedDocuments embeds texts as one guarded batch.
func (g *Guarded) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	res, err := g.call(ctx, func() (interface{}, error) {
		return g.inner.EmbedDocuments(ctx, texts)
	})
	if err != nil {
		return nil, err
	}

	vecs := res.([][]float32)
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d documents", len(vecs), len(texts))
	}
	for _, v := range vecs {
		if err := g.checkDims(v); err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

// Dimensions returns the pinned dimensionality, or the backend's if none has
// been observed yet.
func (g *Guarded) Dimensions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dims > 0 {
		return g.dims
	}
	return g.inner.Dimensions()
}

// Model returns the wrapped backend's model name.
func (g *Guarded) Model() string {
	return g.inner.Model()
}

// BreakerState reports the circuit breaker state.
func (g *Guarded) BreakerState() string {
	return g.breaker.State()
}

// Metrics returns the circuit breaker's request counters.
func (g *Guarded) Metrics() BreakerMetrics {
	return g.breaker.Metrics()
}

// Status reports the model, pinned dimensions and breaker health.
func (g *Guarded) Status() Status {
	return Status{
		Model:      g.Model(),
		Dimensions: g.Dimensions(),
		Breaker:    g.BreakerState(),
		Metrics:    g.Metrics(),
	}
}

func (g *Guarded) call(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding: rate limit wait: %w", err)
		}
	}
	return g.breaker.Execute(ctx, fn)
}

func (g *Guarded) checkDims(vec []float32) error {
	if len(vec) == 0 {
		return ErrEmptyEmbedding
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.dims == 0 {
		g.dims = len(vec)
		return nil
	}
	if len(vec) != g.dims {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), g.dims)
	}
	return nil
}

func copyVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

var _ Provider = (*Guarded)(nil)
