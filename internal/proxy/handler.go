package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wazeapp/llm-router/internal/auth"
	"github.com/wazeapp/llm-router/internal/billing"
	"github.com/wazeapp/llm-router/internal/limiter"
	"github.com/wazeapp/llm-router/internal/provider"
	"github.com/wazeapp/llm-router/pkg/ratelimit"
)

// RetryAfterSeconds is advertised on 429 responses; both limiters use
// one-minute windows.
const RetryAfterSeconds = 60

type Handler struct {
	router    *Router
	billing   billing.Store
	admission *ratelimit.Limiter
	tracer    trace.Tracer
	logger    *zap.Logger
	validate  *validator.Validate
}

func NewHandler(router *Router, billing billing.Store, admission *ratelimit.Limiter, tracer trace.Tracer, logger *zap.Logger) *Handler {
	return &Handler{
		router:    router,
		billing:   billing,
		admission: admission,
		tracer:    tracer,
		logger:    logger,
		validate:  validator.New(),
	}
}

type completionRequest struct {
	Messages         []provider.Message `json:"messages" validate:"required,min=1,dive"`
	MaxTokens        int                `json:"max_tokens" validate:"gte=0"`
	Temperature      *float64           `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	TopP             *float64           `json:"top_p" validate:"omitempty,gte=0,lte=1"`
	FrequencyPenalty *float64           `json:"frequency_penalty" validate:"omitempty,gte=-2,lte=2"`
	PresencePenalty  *float64           `json:"presence_penalty" validate:"omitempty,gte=-2,lte=2"`
	Stream           bool               `json:"stream"`
	Requirements     struct {
		FunctionCalling bool `json:"function_calling"`
		ImageAnalysis   bool `json:"image_analysis"`
	} `json:"requirements"`
	RequiresFunctionCalling bool              `json:"requiresFunctionCalling"`
	RequiresImageAnalysis   bool              `json:"requiresImageAnalysis"`
	Priority                provider.Priority `json:"priority" validate:"omitempty,oneof=low normal high"`
}

type completionMessage struct {
	Role         string                 `json:"role"`
	Content      string                 `json:"content"`
	FunctionCall *provider.FunctionCall `json:"function_call,omitempty"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completionResponse struct {
	ID       string             `json:"id"`
	Object   string             `json:"object"`
	Created  int64              `json:"created"`
	Model    string             `json:"model"`
	Provider string             `json:"provider"`
	Choices  []completionChoice `json:"choices"`
	Usage    provider.Usage     `json:"usage"`
	Metadata *provider.Metadata `json:"metadata,omitempty"`
}

type chunkDelta struct {
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type completionChunk struct {
	ID       string          `json:"id"`
	Object   string          `json:"object"`
	Model    string          `json:"model"`
	Provider string          `json:"provider,omitempty"`
	Choices  []chunkChoice   `json:"choices"`
	Usage    *provider.Usage `json:"usage,omitempty"`
}

type servedBy interface {
	Provider() string
}

// Routes mounts the completion and usage endpoints. Callers wrap it in the
// auth middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/chat/completions", h.HandleComplete)
	r.Post("/v1/chat/completions/stream", h.HandleCompleteStream)
	r.Get("/v1/usage", h.HandleUsage)
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	req, ok := h.prepare(w, r)
	if !ok {
		return
	}
	if req.Stream {
		h.serveStream(w, r, req)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("organization_id", req.Caller.OrganizationID),
		attribute.String("request_id", req.RequestID),
	)

	resp, err := h.router.Generate(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		h.writeRouteError(w, req, err)
		return
	}

	id := resp.ID
	if id == "" {
		id = uuid.New().String()
	}
	var served string
	if resp.Metadata != nil {
		served = resp.Metadata.ProviderName
	}
	span.SetAttributes(attribute.String("provider", served))

	created := resp.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	writeJSON(w, http.StatusOK, completionResponse{
		ID:       id,
		Object:   "chat.completion",
		Created:  created.Unix(),
		Model:    resp.Model,
		Provider: served,
		Choices: []completionChoice{{
			Index: 0,
			Message: completionMessage{
				Role:         string(provider.RoleAssistant),
				Content:      resp.Content,
				FunctionCall: resp.FunctionCall,
			},
			FinishReason: finishReason(resp.FinishReason),
		}},
		Usage:    resp.Usage,
		Metadata: resp.Metadata,
	})
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.prepare(w, r)
	if !ok {
		return
	}
	req.Stream = true
	h.serveStream(w, r, req)
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, req *provider.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.complete_stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("organization_id", req.Caller.OrganizationID),
		attribute.String("request_id", req.RequestID),
	)

	stream, err := h.router.GenerateStream(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		h.writeRouteError(w, req, err)
		return
	}
	defer stream.Close()

	var served string
	if s, ok := stream.(servedBy); ok {
		served = s.Provider()
		span.SetAttributes(attribute.String("provider", served))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	chunks := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(provider.Classify(err)))
			h.logger.Warn("stream failed",
				zap.String("request_id", req.RequestID),
				zap.String("provider", served),
				zap.Int("chunks", chunks),
				zap.Error(err),
			)
			fmt.Fprintf(w, "data: %s\n\n", streamErrorEvent(err))
			flusher.Flush()
			return
		}

		chunks++
		data, err := json.Marshal(toChunk(chunk, served))
		if err != nil {
			h.logger.Error("failed to encode chunk", zap.String("request_id", req.RequestID), zap.Error(err))
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

// prepare decodes and validates the body, admits the organization and
// builds the logical request. It writes the error response itself.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (*provider.Request, bool) {
	ctx := r.Context()

	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return nil, false
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	req := &provider.Request{
		Messages:         body.Messages,
		MaxTokens:        body.MaxTokens,
		Temperature:      body.Temperature,
		TopP:             body.TopP,
		FrequencyPenalty: body.FrequencyPenalty,
		PresencePenalty:  body.PresencePenalty,
		Stream:           body.Stream,
		Requirements: provider.Requirements{
			FunctionCalling: body.Requirements.FunctionCalling || body.RequiresFunctionCalling,
			ImageAnalysis:   body.Requirements.ImageAnalysis || body.RequiresImageAnalysis,
		},
		Caller: provider.Caller{
			OrganizationID: auth.GetOrganizationID(ctx),
			Plan:           auth.GetPlan(ctx),
			Priority:       body.Priority,
		},
		RequestID: requestID,
	}

	if org := req.Caller.OrganizationID; org != "" && h.admission != nil {
		estimate := provider.EstimateRequestTokens(req) + req.MaxTokens
		allowed, err := h.admission.Allow(ctx, org, estimate)
		if err != nil {
			h.logger.Error("organization admission failed",
				zap.String("request_id", requestID),
				zap.String("organization_id", org),
				zap.Error(err),
			)
		}
		if err != nil || !allowed {
			writeRateLimited(w)
			return nil, false
		}
	}

	return req, true
}

func (h *Handler) writeRouteError(w http.ResponseWriter, req *provider.Request, err error) {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		writeRateLimited(w)
		return
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", req.RequestID),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

// statusFor maps the routing error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, provider.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, provider.ErrNoEligibleProviders):
		return http.StatusForbidden
	case errors.Is(err, provider.ErrAllProvidersFailed):
		return http.StatusBadGateway
	case errors.Is(err, provider.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	organizationID := auth.GetOrganizationID(ctx)
	if organizationID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
		to = t
	}

	logs, err := h.billing.GetUsageByOrganization(ctx, organizationID, from, to)
	if err != nil {
		h.logger.Error("usage query failed", zap.String("organization_id", organizationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	totals, err := h.billing.GetTotalsByOrganization(ctx, organizationID, from, to)
	if err != nil {
		h.logger.Error("usage totals query failed", zap.String("organization_id", organizationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	var totalTokens int64
	for _, t := range totals {
		totalTokens += t.Tokens
	}
	if logs == nil {
		logs = []*billing.UsageLog{}
	}
	if totals == nil {
		totals = []billing.ProviderTotal{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"organization_id": organizationID,
		"from":            from,
		"to":              to,
		"total_requests":  len(logs),
		"total_tokens":    totalTokens,
		"providers":       totals,
		"logs":            logs,
	})
}

type providerHealth struct {
	Name         string                 `json:"name"`
	Kind         provider.Kind          `json:"kind"`
	Model        string                 `json:"model"`
	Capabilities []string               `json:"capabilities"`
	Health       *provider.HealthStatus `json:"health,omitempty"`
	Window       limiter.Snapshot       `json:"window"`
}

// HandleProvidersHealth reports every registered provider in priority order
// with its last probe result and current limiter window.
func (h *Handler) HandleProvidersHealth(w http.ResponseWriter, r *http.Request) {
	statuses := h.router.Health()
	providers := h.router.Providers()

	out := make([]providerHealth, 0, len(providers))
	for _, p := range providers {
		desc := p.Descriptor()
		entry := providerHealth{
			Name:         p.Name(),
			Kind:         desc.Kind,
			Model:        desc.Config.Model,
			Capabilities: desc.Capabilities.Names(),
			Window:       h.router.Window(p.Name()),
		}
		if s, ok := statuses[p.Name()]; ok {
			entry.Health = &s
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "llm-router"})
}

func toChunk(c *provider.StreamChunk, served string) completionChunk {
	choice := chunkChoice{Index: 0, Delta: chunkDelta{Content: c.Delta}}
	if c.FinishReason != "" {
		reason := finishReason(c.FinishReason)
		choice.FinishReason = &reason
	}
	return completionChunk{
		ID:       c.ID,
		Object:   "chat.completion.chunk",
		Model:    c.Model,
		Provider: served,
		Choices:  []chunkChoice{choice},
		Usage:    c.Usage,
	}
}

func finishReason(r provider.FinishReason) string {
	if r == "" {
		return string(provider.FinishStop)
	}
	return string(r)
}

// streamErrorEvent renders the terminal SSE payload for a failed stream.
func streamErrorEvent(err error) string {
	payload, _ := sjson.Set(`{}`, "error.message", err.Error())
	payload, _ = sjson.Set(payload, "error.type", string(provider.Classify(err)))
	return payload
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request body"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(fields, ", ")
}

func writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Retry-After", fmt.Sprint(RetryAfterSeconds))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate limit exceeded",
		"retry_after": RetryAfterSeconds,
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
