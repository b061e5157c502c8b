package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/wazeapp/llm-router/internal/limiter"
	"github.com/wazeapp/llm-router/internal/provider"
)

// DefaultCeilingTimeout bounds a single attempt. It sits above every
// adapter's own timeout.
const DefaultCeilingTimeout = 120 * time.Second

// UsageSink meters tokens served to an organization.
type UsageSink interface {
	RecordUsage(ctx context.Context, organizationID, providerName string, tokens int) error
}

// HealthChecker probes providers inline and reports last known statuses.
type HealthChecker interface {
	Prober
	Statuses() map[string]provider.HealthStatus
}

// Lister yields the registered providers.
type Lister interface {
	List() []provider.Provider
}

type Router struct {
	providers Lister
	limiter   *limiter.Limiter
	health    HealthChecker
	usage     UsageSink
	priority  PriorityTable
	ceiling   time.Duration
	tracer    trace.Tracer
	logger    *zap.Logger
}

type RouterOption func(*Router)

func WithPriority(t PriorityTable) RouterOption {
	return func(r *Router) { r.priority = t }
}

func WithCeilingTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.ceiling = d }
}

func WithTracer(t trace.Tracer) RouterOption {
	return func(r *Router) { r.tracer = t }
}

func WithLogger(l *zap.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

func NewRouter(providers Lister, lim *limiter.Limiter, health HealthChecker, usage UsageSink, opts ...RouterOption) *Router {
	r := &Router{
		providers: providers,
		limiter:   lim,
		health:    health,
		usage:     usage,
		priority:  NewPriorityTable(nil),
		ceiling:   DefaultCeilingTimeout,
		tracer:    noop.NewTracerProvider().Tracer("router"),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Providers returns the registered providers in priority order.
func (r *Router) Providers() []provider.Provider {
	return r.priority.Sort(r.providers.List())
}

// Health returns the last known status of every probed provider.
func (r *Router) Health() map[string]provider.HealthStatus {
	return r.health.Statuses()
}

// Window reports the current limiter window of the named provider.
func (r *Router) Window(name string) limiter.Snapshot {
	return r.limiter.Snapshot(name)
}

// candidates returns the eligible providers for req in priority order.
func (r *Router) candidates(req *provider.Request) ([]provider.Provider, error) {
	eligible, err := FilterEligible(r.providers.List(), req.Caller, req.Requirements)
	if err != nil {
		return nil, err
	}
	return r.priority.Sort(eligible), nil
}

// Generate serves req from the best eligible provider, falling back through
// the remaining candidates in priority order. Each provider is tried at most
// once. The per-provider limiter is consulted only for the first attempt.
func (r *Router) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	ctx, span := r.tracer.Start(ctx, "router.generate")
	defer span.End()

	candidates, err := r.candidates(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	primary := SelectPrimary(ctx, candidates, r.health)
	estimate, err := r.limiter.Check(primary.Descriptor(), req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("provider rate limit exceeded",
			zap.String("request_id", req.RequestID),
			zap.String("provider", primary.Name()),
		)
		return nil, err
	}

	tried := make(map[string]bool, len(candidates))
	attempts := make([]string, 0, len(candidates))
	var lastErr error

	current := primary
	for attempt := 1; current != nil; attempt++ {
		tried[current.Name()] = true
		attempts = append(attempts, current.Name())

		resp, err := r.attempt(ctx, current, req, attempt)
		if err == nil {
			r.settle(ctx, req, current, resp.Usage.TotalTokens, estimate, current == primary)
			span.SetAttributes(
				attribute.String("provider", current.Name()),
				attribute.Int("attempts", attempt),
			)
			return resp, nil
		}

		lastErr = err
		class := provider.Classify(err)
		next := SelectFallback(candidates, tried)
		r.logger.Warn("provider attempt failed",
			zap.String("request_id", req.RequestID),
			zap.String("provider", current.Name()),
			zap.Int("attempt", attempt),
			zap.String("class", string(class)),
			zap.Bool("fallback", next != nil),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
		current = next
	}

	failed := &provider.AllFailedError{Attempts: attempts, Last: lastErr}
	span.SetStatus(codes.Error, failed.Error())
	r.logger.Error("all providers failed",
		zap.String("request_id", req.RequestID),
		zap.Strings("attempts", attempts),
		zap.Error(lastErr),
	)
	return nil, failed
}

type attemptResult struct {
	resp *provider.Response
	err  error
}

// attempt runs one Generate call raced against the ceiling timeout. Losing
// the race cancels the call.
func (r *Router) attempt(ctx context.Context, p provider.Provider, req *provider.Request, n int) (*provider.Response, error) {
	ctx, span := r.tracer.Start(ctx, "router.attempt", trace.WithAttributes(
		attribute.String("provider", p.Name()),
		attribute.String("kind", string(p.Descriptor().Kind)),
		attribute.Int("attempt", n),
	))
	defer span.End()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	done := make(chan attemptResult, 1)
	go func() {
		resp, err := p.Generate(attemptCtx, req)
		done <- attemptResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(r.ceiling)
	defer timer.Stop()

	var res attemptResult
	select {
	case res = <-done:
	case <-timer.C:
		res.err = &provider.TransportError{
			Provider: p.Name(),
			Err:      fmt.Errorf("%w after %s", provider.ErrRequestTimeout, r.ceiling),
		}
	case <-ctx.Done():
		res.err = provider.WrapTransport(p.Name(), ctx.Err())
	}

	if res.err == nil && res.resp == nil {
		res.err = &provider.ApplicationError{Provider: p.Name(), Message: "empty response"}
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, string(provider.Classify(res.err)))
		return nil, res.err
	}

	resp := res.resp
	if sum := resp.Usage.PromptTokens + resp.Usage.CompletionTokens; sum > 0 {
		resp.Usage.TotalTokens = sum
	}
	resp.Metadata = &provider.Metadata{
		ResponseTimeMs: time.Since(start).Milliseconds(),
		ProviderName:   p.Name(),
	}
	span.SetAttributes(attribute.Int("total_tokens", resp.Usage.TotalTokens))
	return resp, nil
}

// settle meters a served request and trues up the limiter. The estimate was
// charged only to the checked provider, so only its window is corrected by
// the difference.
func (r *Router) settle(ctx context.Context, req *provider.Request, p provider.Provider, tokens, estimate int, checked bool) {
	if req.Caller.OrganizationID != "" && r.usage != nil {
		if err := r.usage.RecordUsage(ctx, req.Caller.OrganizationID, p.Name(), tokens); err != nil {
			r.logger.Error("failed to record usage",
				zap.String("request_id", req.RequestID),
				zap.String("organization_id", req.Caller.OrganizationID),
				zap.String("provider", p.Name()),
				zap.Error(err),
			)
		}
	}
	if checked {
		r.limiter.Record(p.Name(), tokens-estimate)
	} else {
		r.limiter.Record(p.Name(), tokens)
	}
}

// GenerateStream opens a stream on the primary provider only. Once a stream
// has started its failures reach the caller unchanged. The returned stream
// owns the router.generate_stream span and ends it when the stream finishes.
func (r *Router) GenerateStream(ctx context.Context, req *provider.Request) (provider.Stream, error) {
	ctx, span := r.tracer.Start(ctx, "router.generate_stream")

	candidates, err := r.candidates(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	primary := SelectPrimary(ctx, candidates, r.health)
	estimate, err := r.limiter.Check(primary.Descriptor(), req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	span.SetAttributes(attribute.String("provider", primary.Name()))
	stream, err := primary.GenerateStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(provider.Classify(err)))
		span.End()
		r.logger.Warn("stream open failed",
			zap.String("request_id", req.RequestID),
			zap.String("provider", primary.Name()),
			zap.Error(err),
		)
		return nil, err
	}

	return &meteredStream{
		Stream:   stream,
		ctx:      ctx,
		span:     span,
		router:   r,
		req:      req,
		served:   primary,
		estimate: estimate,
	}, nil
}

// meteredStream relays chunks unchanged and settles usage once, when the
// inner stream ends cleanly.
type meteredStream struct {
	provider.Stream
	ctx      context.Context
	span     trace.Span
	router   *Router
	req      *provider.Request
	served   provider.Provider
	estimate int

	chunks   int
	total    int
	sawUsage bool
	settled  bool
	ended    bool
}

func (s *meteredStream) Recv() (*provider.StreamChunk, error) {
	chunk, err := s.Stream.Recv()
	if errors.Is(err, io.EOF) {
		if s.sawUsage && !s.settled {
			s.settled = true
			s.router.settle(s.ctx, s.req, s.served, s.total, s.estimate, true)
		}
		s.end(nil)
		return nil, err
	}
	if err != nil {
		s.end(err)
		return nil, err
	}
	s.chunks++
	if chunk.Usage != nil {
		s.total = chunk.Usage.TotalTokens
		s.sawUsage = true
	}
	return chunk, nil
}

func (s *meteredStream) Close() error {
	err := s.Stream.Close()
	s.end(nil)
	return err
}

// end closes the span once, recording err when the stream failed.
func (s *meteredStream) end(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.span.SetAttributes(attribute.Int("chunks", s.chunks))
	if s.sawUsage {
		s.span.SetAttributes(attribute.Int("total_tokens", s.total))
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, string(provider.Classify(err)))
	}
	s.span.End()
}

// Provider returns the name of the provider serving the stream.
func (s *meteredStream) Provider() string {
	return s.served.Name()
}
