package httpadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/metrics"
)

const maxRequestBytes = 1 << 20

type Options struct {
	QueryTimeout   time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	// Ready reports whether both indexes are loaded. Nil means always ready.
	Ready   func() bool
	Metrics *metrics.HTTPServerMetrics
}

type Router struct {
	retriever ports.HybridRetriever
	queries   ports.QueryService
	chunks    ports.ChunkService
	opts      Options
}

func NewRouter(
	retriever ports.HybridRetriever,
	queries ports.QueryService,
	chunks ports.ChunkService,
	opts Options,
) *Router {
	if opts.Ready == nil {
		opts.Ready = func() bool { return true }
	}
	return &Router{
		retriever: retriever,
		queries:   queries,
		chunks:    chunks,
		opts:      opts,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /readyz", rt.readyz)
	mux.HandleFunc("POST /v1/retrieve", rt.retrieve)
	mux.HandleFunc("POST /v1/query", rt.query)
	mux.HandleFunc("GET /v1/chunks/{id}", rt.getChunk)
	if rt.opts.Metrics != nil {
		mux.Handle("GET /metrics", rt.opts.Metrics.Handler())
	}

	var handler http.Handler = mux
	if rt.opts.RateLimitRPS > 0 {
		var onReject func()
		if rt.opts.Metrics != nil {
			onReject = rt.opts.Metrics.RecordRateLimited
		}
		handler = rateLimitMiddleware(handler, rt.opts.RateLimitRPS, rt.opts.RateLimitBurst, onReject)
	}
	if rt.opts.Metrics != nil {
		handler = rt.opts.Metrics.Middleware(handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) readyz(w http.ResponseWriter, _ *http.Request) {
	if !rt.opts.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (rt *Router) retrieve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}

	ctx, cancel := rt.withQueryTimeout(r.Context())
	defer cancel()

	result, err := rt.retriever.Retrieve(ctx, req.Query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) query(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "question is required"})
		return
	}

	ctx, cancel := rt.withQueryTimeout(r.Context())
	defer cancel()

	answer, err := rt.queries.Answer(ctx, req.Question)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// getChunk serves GET /v1/chunks/{id}; ?build_id= selects an earlier build.
func (rt *Router) getChunk(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	buildID := strings.TrimSpace(r.URL.Query().Get("build_id"))

	ctx, cancel := rt.withQueryTimeout(r.Context())
	defer cancel()

	chunk, err := rt.chunks.GetChunk(ctx, buildID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chunk)
}

func (rt *Router) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if rt.opts.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, rt.opts.QueryTimeout)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
