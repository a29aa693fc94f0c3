// Package anthropic serves the Messages API on top of OpenAI-style upstreams.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"claude-bridge/internal/aggregate"
	"claude-bridge/internal/apierr"
	"claude-bridge/internal/canonical"
	"claude-bridge/internal/config"
	"claude-bridge/internal/convert"
	"claude-bridge/internal/credentials"
	"claude-bridge/internal/metrics"
	anthropicproto "claude-bridge/internal/proto/anthropic"
	openaiproto "claude-bridge/internal/proto/openai"
	openaiprovider "claude-bridge/internal/providers/openai"
	"claude-bridge/internal/sse"
	"claude-bridge/internal/store"
	"claude-bridge/internal/streamconv"
)

const maxRequestBody = 20 << 20

type Handler struct {
	creds   credentials.Provider
	m       *metrics.Metrics
	sink    store.Sink
	log     logrus.FieldLogger
	timeout time.Duration

	rps       rate.Limit
	burst     int
	limitMu   sync.Mutex
	limiters  map[string]*clientLimiter
	lastSweep time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterIdle = 3 * time.Minute

type Option func(*Handler)

// WithRateLimit limits each client key to rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(h *Handler) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = int(rps) + 1
		}
		h.rps, h.burst = rate.Limit(rps), burst
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

func NewHandler(creds credentials.Provider, m *metrics.Metrics, sink store.Sink, log logrus.FieldLogger, opts ...Option) *Handler {
	h := &Handler{
		creds:    creds,
		m:        m,
		sink:     sink,
		log:      log,
		timeout:  10 * time.Minute,
		limiters: map[string]*clientLimiter{},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.m == nil {
		h.m = metrics.New()
	}
	if h.sink == nil {
		h.sink = store.LogSink{Log: log}
	}
	return h
}

func (h *Handler) Register(r chi.Router) {
	r.With(h.rateLimit).Post("/messages", h.createMessage)
	r.Get("/models", h.listModels)
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	if h.rps <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter(clientKey(r)).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, errRateLimit, "gateway rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limiter returns the client's limiter, dropping limiters idle for longer
// than limiterIdle at most once a minute.
func (h *Handler) limiter(key string) *rate.Limiter {
	h.limitMu.Lock()
	defer h.limitMu.Unlock()
	now := time.Now()
	if now.Sub(h.lastSweep) > time.Minute {
		for k, c := range h.limiters {
			if now.Sub(c.lastSeen) > limiterIdle {
				delete(h.limiters, k)
			}
		}
		h.lastSweep = now
	}
	c, ok := h.limiters[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(h.rps, h.burst)}
		h.limiters[key] = c
	}
	c.lastSeen = now
	return c.limiter
}

// exchange carries one request through the pipeline.
type exchange struct {
	requestID     string
	start         time.Time
	req           *canonical.Request
	acc           credentials.Account
	upstreamModel string
	log           logrus.FieldLogger
}

func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	x := &exchange{requestID: strings.TrimSpace(r.Header.Get("x-request-id")), start: time.Now()}
	if x.requestID == "" {
		x.requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", x.requestID)
	x.log = h.log.WithField("request_id", x.requestID)

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, errTooLarge, "failed to read request body")
		return
	}

	req, err := canonical.Parse(body)
	if err != nil {
		h.fail(ctx, w, x, err)
		return
	}
	x.req = req
	x.log = x.log.WithFields(logrus.Fields{"model": req.Model, "stream": req.Stream})

	acc, err := h.creds.Pick(ctx, req.Model)
	if err != nil {
		h.fail(ctx, w, x, err)
		return
	}
	x.acc = acc
	x.upstreamModel = acc.UpstreamModel(req.Model)
	x.log = x.log.WithFields(logrus.Fields{"account": acc.ID, "backend": acc.Backend})

	native, path, err := h.nativeRequest(x)
	if err != nil {
		h.fail(ctx, w, x, err)
		return
	}

	uctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	resp, err := openaiprovider.Send(uctx, acc.Upstream, path, native)
	if err != nil {
		h.fail(ctx, w, x, err)
		return
	}
	defer resp.Body.Close()

	if req.Stream {
		h.stream(uctx, w, x, resp)
		return
	}
	h.document(uctx, w, x, resp)
}

// nativeRequest translates the canonical request for the account's backend.
// Stream-only Responses accounts are always asked for a stream.
func (h *Handler) nativeRequest(x *exchange) ([]byte, string, error) {
	if x.acc.Backend == config.BackendResponses {
		native, err := convert.ToResponsesRequest(x.req, x.upstreamModel)
		if err != nil {
			return nil, "", err
		}
		if x.acc.StreamOnly {
			native.Stream = true
		}
		b, err := json.Marshal(native)
		return b, openaiprovider.PathResponses, err
	}
	native, err := convert.ToChatRequest(x.req, x.upstreamModel)
	if err != nil {
		return nil, "", err
	}
	b, err := json.Marshal(native)
	return b, openaiprovider.PathChatCompletions, err
}

type translatedStream interface {
	streamconv.EventSource
	State() streamconv.BlockStreamState
}

func (h *Handler) stream(ctx context.Context, w http.ResponseWriter, x *exchange, resp *http.Response) {
	backend := x.acc.Backend
	opts := []streamconv.Option{
		streamconv.WithLogger(x.log),
		streamconv.WithEventHook(h.m.StreamEvent),
		streamconv.WithFallbackHook(func() { h.m.StreamFallback(backend) }),
		streamconv.WithSkipHook(func() { h.m.SkippedFrame(backend) }),
	}
	frames := sse.NewReader(resp.Body, sse.WithSkipHook(func(err error) {
		h.m.SkippedFrame(backend)
		x.log.WithError(err).Debug("skipping undecodable frame")
	}))

	var ts translatedStream
	if backend == config.BackendResponses {
		ts = streamconv.NewResponsesStream(frames, x.req.Model, opts...)
	} else {
		ts = streamconv.NewChatStream(frames, x.req.Model, opts...)
	}

	// Nothing is committed until the first event exists, so early upstream
	// failures still get a proper status code.
	first, err := ts.Next(ctx)
	if err != nil {
		h.fail(ctx, w, x, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	n, err := streamconv.Copy(ctx, w, streamconv.Prepend(first, ts))
	st := ts.State()
	rec := h.record(x, http.StatusOK, st.Usage, st.StopReason)
	rec.Fallback = st.Fallback
	if err != nil {
		_, typ, msg := classify(err)
		if ctx.Err() == nil {
			_ = streamconv.WriteError(w, typ, msg)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		rec.ErrorKind, rec.ErrorMessage = apierr.Kind(err), err.Error()
		h.m.UpstreamError(rec.ErrorKind)
		x.log.WithError(err).WithField("events", n).Warn("stream aborted")
	}
	h.finish(ctx, rec)
}

func (h *Handler) document(ctx context.Context, w http.ResponseWriter, x *exchange, resp *http.Response) {
	var out anthropicproto.MessageResponse
	if x.acc.Backend == config.BackendResponses {
		doc, err := h.responsesDocument(ctx, x, resp)
		if err != nil {
			h.fail(ctx, w, x, err)
			return
		}
		out = convert.ResponsesResponseToAnthropic(doc, x.req.Model)
	} else {
		var doc openaiproto.ChatCompletionResponse
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			h.fail(ctx, w, x, fmt.Errorf("decode chat completion: %w", err))
			return
		}
		out = convert.ChatResponseToAnthropic(doc, x.req.Model)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
	h.finish(ctx, h.record(x, http.StatusOK, out.Usage, out.StopReason))
}

// responsesDocument reads a Responses document, aggregating it from the event
// stream when the upstream answered with one.
func (h *Handler) responsesDocument(ctx context.Context, x *exchange, resp *http.Response) (openaiproto.ResponsesResponse, error) {
	var doc openaiproto.ResponsesResponse
	var raw []byte
	var err error
	if x.acc.StreamOnly || strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		raw, err = aggregate.Aggregate(ctx, sse.NewReader(resp.Body), x.log)
	} else {
		raw, err = io.ReadAll(resp.Body)
	}
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("decode responses document: %w", err)
	}
	if doc.Status == "failed" {
		e := gjson.ParseBytes(doc.Error)
		return doc, &apierr.StreamError{Type: e.Get("code").String(), Message: e.Get("message").String(), Raw: raw}
	}
	return doc, nil
}

func (h *Handler) record(x *exchange, status int, u anthropicproto.Usage, stop string) store.Record {
	rec := store.Record{
		RequestID:     x.requestID,
		AccountID:     x.acc.ID,
		Backend:       x.acc.Backend,
		UpstreamModel: x.upstreamModel,
		Status:        status,
		StopReason:    stop,
		InputTokens:   int64(u.InputTokens),
		OutputTokens:  int64(u.OutputTokens),
		CacheRead:     int64(u.CacheReadInputTokens),
		CacheCreation: int64(u.CacheCreationInputTokens),
		Latency:       time.Since(x.start),
	}
	if x.req != nil {
		rec.Model, rec.Stream = x.req.Model, x.req.Stream
	}
	return rec
}

// fail answers with the error envelope, cools the account down on upstream
// rate limits and records the failure.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, x *exchange, err error) {
	var rateErr *apierr.UpstreamRateLimited
	if errors.As(err, &rateErr) && x.acc.ID != "" {
		h.creds.MarkCooldown(x.acc.ID, rateErr.RetryAfter)
		x.log.WithField("retry_after", rateErr.RetryAfter.String()).Warn("account cooling down")
	}
	status := writeAPIError(w, err)
	rec := h.record(x, status, anthropicproto.Usage{}, "")
	rec.ErrorKind, rec.ErrorMessage = apierr.Kind(err), err.Error()
	if rec.ErrorKind != "validation" {
		h.m.UpstreamError(rec.ErrorKind)
	}
	x.log.WithError(err).WithField("status", status).Info("request failed")
	h.finish(ctx, rec)
}

func (h *Handler) finish(ctx context.Context, rec store.Record) {
	backend := rec.Backend
	if backend == "" {
		backend = "none"
	}
	h.m.ObserveRequest(backend, rec.Stream, rec.Status, rec.Latency)
	if err := h.sink.Record(context.WithoutCancel(ctx), rec); err != nil {
		h.log.WithError(err).WithField("request_id", rec.RequestID).Warn("record request")
	}
}

type modelEntry struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at"`
}

type modelList struct {
	Data    []modelEntry `json:"data"`
	HasMore bool         `json:"has_more"`
	FirstID *string      `json:"first_id"`
	LastID  *string      `json:"last_id"`
}

func (h *Handler) listModels(w http.ResponseWriter, _ *http.Request) {
	out := modelList{Data: []modelEntry{}}
	for _, id := range h.creds.Models() {
		out.Data = append(out.Data, modelEntry{Type: "model", ID: id, DisplayName: id, CreatedAt: "1970-01-01T00:00:00Z"})
	}
	if n := len(out.Data); n > 0 {
		out.FirstID, out.LastID = &out.Data[0].ID, &out.Data[n-1].ID
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func clientKey(r *http.Request) string {
	if k, ok := r.Context().Value(canonical.ContextKeyClientKey).(string); ok && k != "" {
		return k
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
