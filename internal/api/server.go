package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/monitor"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/queue"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/scheduler"
	"github.com/ASR-Innovations/agentic-social-sub002/internal/webhook"
)

type Server struct {
	r     *chi.Mux
	d     *queue.Dispatcher
	mon   *monitor.Monitor
	hooks *webhook.Service
}

// Options configures optional parts of the router.
type Options struct {
	// RateLimit gates every /api route when set.
	RateLimit func(http.Handler) http.Handler
	Debug     bool
}

func NewServer(d *queue.Dispatcher, mon *monitor.Monitor, hooks *webhook.Service, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, d: d, mon: mon, hooks: hooks}

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		if opts.RateLimit != nil {
			r.Use(opts.RateLimit)
		}

		r.Get("/queues/stats", s.allStats)
		r.Get("/queues/health", s.systemHealth)
		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Get("/stats", s.queueStats)
			r.Get("/health", s.queueHealth)
			r.Get("/jobs", s.listJobs)
			r.Post("/jobs", s.enqueue)
			r.Get("/jobs/by-key/{key}", s.getJobByKey)
			r.Get("/jobs/{id}", s.getJob)
			r.Post("/jobs/{id}/retry", s.retryJob)
			r.Delete("/jobs/{id}", s.removeJob)
			r.Post("/pause", s.pause)
			r.Post("/resume", s.resume)
			r.Post("/clean", s.clean)
			r.Post("/drain", s.drain)
		})

		r.Post("/webhooks", s.registerWebhook)
		r.Get("/webhooks", s.listWebhooks)
		r.Post("/webhooks/trigger", s.triggerWebhook)
		r.Post("/webhooks/deliveries/{id}/retry", s.retryDelivery)
		r.Get("/webhooks/{id}", s.getWebhook)
		r.Patch("/webhooks/{id}", s.updateWebhook)
		r.Put("/webhooks/{id}/status", s.setWebhookStatus)
		r.Get("/webhooks/{id}/deliveries", s.listDeliveries)
	})

	// Debug routes (pprof)
	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if latest, ok := s.mon.Latest(); ok {
		resp["queues"] = latest.Status
		resp["sampled_at"] = latest.Timestamp
	}
	writeJSON(w, http.StatusOK, resp)
}

// Queues

func (s *Server) allStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.d.AllStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) systemHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.mon.SystemHealth(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.d.Stats(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) queueHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.mon.QueueHealth(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := domain.StateWaiting
	if v := q.Get("state"); v != "" {
		state = domain.JobState(v)
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := intParam(q.Get("limit"), 100)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.d.Inspect(r.Context(), chi.URLParam(r, "queue"), state, queue.Page{Offset: offset, Limit: limit})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

type repeatReq struct {
	Pattern string `json:"pattern"`
	EveryMs int64  `json:"every_ms"`
	Limit   int    `json:"limit"`
}

type enqueueReq struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	DelayMs        int64           `json:"delay_ms"`
	IdempotencyKey string          `json:"idempotency_key"`
	Repeat         *repeatReq      `json:"repeat"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Type == "" {
		writeError(w, badRequest("type is required"))
		return
	}
	name := chi.URLParam(r, "queue")
	opts := queue.Options{
		Priority:       req.Priority,
		Attempts:       req.Attempts,
		Delay:          time.Duration(req.DelayMs) * time.Millisecond,
		IdempotencyKey: req.IdempotencyKey,
	}

	if req.Repeat == nil {
		j, err := s.d.EnqueueRaw(r.Context(), name, req.Type, req.Payload, opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, j)
		return
	}

	if req.Repeat.Pattern != "" {
		if err := scheduler.ValidateCronExpression(req.Repeat.Pattern); err != nil {
			writeError(w, badRequest("invalid cron expression: "+err.Error()))
			return
		}
	}
	if _, err := s.d.Config(name); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.d.Types().Decode(req.Type, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	rep := domain.Repeat{
		Pattern: req.Repeat.Pattern,
		Every:   time.Duration(req.Repeat.EveryMs) * time.Millisecond,
		Limit:   req.Repeat.Limit,
	}
	j, err := s.d.EnqueueRepeating(r.Context(), name, p, rep, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.d.Get(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) getJobByKey(w http.ResponseWriter, r *http.Request) {
	j, err := s.d.Lookup(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.d.Retry(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Remove(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	if err := s.d.Pause(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "paused": true})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	if err := s.d.Resume(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "paused": false})
}

type cleanReq struct {
	GraceMs int64           `json:"grace_ms"`
	Limit   int             `json:"limit"`
	State   domain.JobState `json:"state"`
}

func (s *Server) clean(w http.ResponseWriter, r *http.Request) {
	req := cleanReq{State: domain.StateCompleted}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ids, err := s.d.Clean(r.Context(), chi.URLParam(r, "queue"), time.Duration(req.GraceMs)*time.Millisecond, req.Limit, req.State)
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": ids})
}

func (s *Server) drain(w http.ResponseWriter, r *http.Request) {
	delayed := r.URL.Query().Get("delayed") == "true"
	n, err := s.d.Drain(r.Context(), chi.URLParam(r, "queue"), delayed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// Webhooks

func (s *Server) registerWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhook.Registration
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	reg, err := s.hooks.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := s.hooks.List(r.Context(), r.URL.Query().Get("scope_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	sub, err := s.hooks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) updateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhook.Update
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sub, err := s.hooks.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) setWebhookStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status domain.SubscriptionStatus `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sub, err := s.hooks.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 20)
	if err != nil {
		writeError(w, err)
		return
	}
	ds, err := s.hooks.Deliveries(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// A failed attempt is still a recorded delivery, so transport errors are
// reported in the body rather than as a status code.
func (s *Server) retryDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.hooks.RetryDelivery(r.Context(), chi.URLParam(r, "id"))
	var te *webhook.TransportError
	if err != nil && !errors.As(err, &te) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type triggerReq struct {
	Event   string          `json:"event"`
	ScopeID string          `json:"scope_id"`
	Data    json.RawMessage `json:"data"`
}

func (s *Server) triggerWebhook(w http.ResponseWriter, r *http.Request) {
	var req triggerReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Event == "" {
		writeError(w, badRequest("event is required"))
		return
	}
	ds, err := s.hooks.Trigger(r.Context(), req.Event, req.ScopeID, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": req.Event, "deliveries": ds})
}

// Helpers

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("invalid integer " + strconv.Quote(v))
	}
	return n, nil
}

func statusOf(err error) int {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrUnknownQueue),
		errors.Is(err, queue.ErrUnknownJob),
		errors.Is(err, webhook.ErrUnknownSubscription),
		errors.Is(err, webhook.ErrUnknownDelivery):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, queue.ErrUnknownJobType),
		errors.Is(err, queue.ErrInvalidPayload),
		errors.Is(err, scheduler.ErrInvalidRepeat),
		errors.Is(err, webhook.ErrInvalidSubscription):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
