package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vyvo/appbuilder/pkg/api"
	"github.com/vyvo/appbuilder/pkg/builderr"
	"github.com/vyvo/appbuilder/pkg/builds"
	"github.com/vyvo/appbuilder/pkg/controller"
	"github.com/vyvo/appbuilder/pkg/flows"
	"github.com/vyvo/appbuilder/pkg/outcome"
	"github.com/vyvo/appbuilder/pkg/registry"
	"github.com/vyvo/appbuilder/pkg/session"
)

// Prober reports engine reachability.
type Prober interface {
	Probe(ctx context.Context) bool
	BaseURL() string
}

type server struct {
	// ctx outlives requests; builds run on it.
	ctx      context.Context
	engine   Prober
	sessions session.Store
	log      *builds.Log
	registry *registry.Registry
	logger   *zap.Logger
	now      func() time.Time
	timeout  time.Duration

	// sessionMu serializes read-modify-write of session records.
	sessionMu sync.Mutex
}

func newServer(ctx context.Context, eng Prober, sessions session.Store, log *builds.Log, reg *registry.Registry, logger *zap.Logger) *server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &server{
		ctx:      ctx,
		engine:   eng,
		sessions: sessions,
		log:      log,
		registry: reg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		timeout:  60 * time.Second,
	}
}

func (s *server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", healthzHandler)

	router.Route("/api", func(r chi.Router) {
		// The event stream stays open for the whole build.
		r.Get("/builds/{buildID}/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(s.timeout))
			r.Get("/engine/health", s.handleEngineHealth)
			r.Get("/builds", s.handleListBuilds)
			r.Get("/builds/{buildID}", s.handleGetBuild)
			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Post("/builds", s.handleSubmit)
				r.Post("/retry", s.handleRetry)
				r.Put("/cancel", s.handleCancel)
				r.Delete("/context", s.handleResetContext)
			})
		})
	})
	return router
}

func timeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}

func (s *server) handleEngineHealth(w http.ResponseWriter, r *http.Request) {
	health := api.EngineHealth{Healthy: s.engine.Probe(r.Context()), BaseURL: s.engine.BaseURL()}
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body api.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	prompt := strings.TrimSpace(body.Prompt)
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	s.submit(w, r, chi.URLParam(r, "sessionID"), prompt)
}

func (s *server) handleRetry(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := session.Load(r.Context(), s.sessions, sessionID)
	if err != nil {
		s.logger.Error("load session failed", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	if sess.LastPrompt == "" {
		writeError(w, http.StatusConflict, "no previous prompt to retry")
		return
	}
	s.submit(w, r, sessionID, sess.LastPrompt)
}

func (s *server) submit(w http.ResponseWriter, r *http.Request, sessionID, prompt string) {
	ctx := r.Context()
	logger := s.logger.With(zap.String("session_id", sessionID))

	s.sessionMu.Lock()
	sess, err := session.Load(ctx, s.sessions, sessionID)
	s.sessionMu.Unlock()
	if err != nil {
		logger.Error("load session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}

	ctrl := s.registry.Controller(sessionID)
	req := sess.Request(prompt)
	target := ctrl.Select(req)

	now := s.now()
	build := builds.Build{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Prompt:    prompt,
		Flow:      target.String(),
		Status:    builds.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	obs := &buildObserver{
		server: s,
		build:  build,
		ready:  make(chan struct{}),
		logger: logger.With(zap.String("build_id", build.ID), zap.String("flow", build.Flow)),
	}

	// The record exists before a cancel on this session can observe the build.
	start := func(ctrl *controller.Controller) error {
		if err := ctrl.Start(s.ctx, req, obs); err != nil {
			return err
		}
		if err := s.log.Store().Create(ctx, build); err != nil {
			obs.logger.Error("record build failed", zap.Error(err))
		}
		return nil
	}
	if err := s.registry.Start(sessionID, build.ID, start); err != nil {
		if errors.Is(err, controller.ErrBuildInProgress) {
			writeJSON(w, http.StatusConflict, api.ErrorResponse{Error: err.Error()})
			return
		}
		logger.Error("start build failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start build")
		return
	}

	if err := s.log.Append(ctx, build.ID, builds.NewEvent(builds.EventPrompt, prompt, req.ExistingContext)); err != nil {
		obs.logger.Warn("append prompt failed", zap.Error(err))
	}
	close(obs.ready)

	s.updateSession(ctx, sessionID, func(sess *session.Session) { sess.LastPrompt = prompt })
	obs.logger.Info("build submitted", zap.Bool("existing_context", req.HasContext()))

	base := "/api/builds/" + build.ID
	writeJSON(w, http.StatusAccepted, api.BuildEnvelope{
		BuildID:   build.ID,
		SessionID: sessionID,
		Flow:      build.Flow,
		StatusURL: base,
		EventsURL: base + "/events",
		CancelURL: "/api/sessions/" + sessionID + "/cancel",
	})
}

func (s *server) updateSession(ctx context.Context, sessionID string, mutate func(*session.Session)) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	sess, err := session.Load(ctx, s.sessions, sessionID)
	if err != nil {
		s.logger.Error("load session failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	mutate(sess)
	if err := s.sessions.Save(ctx, sess); err != nil {
		s.logger.Error("save session failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	buildID, ok := s.registry.Cancel(sessionID)
	if !ok {
		writeJSON(w, http.StatusConflict, api.CancelResponse{Status: api.NothingToCancel})
		return
	}

	build, err := s.log.Store().Get(r.Context(), buildID)
	if err == nil {
		build.Cancel(s.now())
		if err := s.log.Store().Update(r.Context(), build); err != nil {
			s.logger.Error("record cancellation failed", zap.String("build_id", build.ID), zap.Error(err))
		}
	}
	s.log.Close(buildID)
	s.logger.Info("build cancelled", zap.String("session_id", sessionID), zap.String("build_id", buildID))

	writeJSON(w, http.StatusAccepted, api.CancelResponse{Status: api.CancelRequested, BuildID: buildID})
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := session.Load(r.Context(), s.sessions, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}

	view := api.SessionView{
		ID:         sessionID,
		Repository: sess.Repository,
		LastPrompt: sess.LastPrompt,
		Phase:      string(controller.PhaseIdle),
	}
	if entry, ok := s.registry.Get(sessionID); ok {
		state := entry.Controller.State()
		view.Phase = string(state.Phase)
		view.Attempts = state.Attempts
		if state.Active() {
			view.ActiveBuild = entry.BuildID
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleResetContext(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	s.updateSession(r.Context(), sessionID, func(sess *session.Session) { sess.Repository = nil })
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	list, err := s.log.Store().List(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		s.logger.Error("list builds failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list builds")
		return
	}
	if list == nil {
		list = []builds.Build{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	build, err := s.log.Store().Get(r.Context(), chi.URLParam(r, "buildID"))
	if errors.Is(err, builds.ErrNotFound) {
		writeError(w, http.StatusNotFound, "build not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "build lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, build)
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "buildID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe, err := s.log.Subscribe(r.Context(), buildID)
	if errors.Is(err, builds.ErrNotFound) {
		writeError(w, http.StatusNotFound, "build not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := api.WriteEvent(w, string(ev.Type), ev); err != nil {
				s.logger.Debug("event stream closed", zap.String("build_id", buildID), zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// buildObserver records one build's progress and result. The controller
// calls it from a single goroutine.
type buildObserver struct {
	server *server
	build  builds.Build
	ready  chan struct{}
	logger *zap.Logger
}

func (o *buildObserver) OnProgress(ev controller.ProgressEvent) {
	<-o.ready
	s := o.server
	ctx := s.ctx

	if ev.ExecutionID != "" && o.build.ExecutionID == "" {
		o.build.ExecutionID = ev.ExecutionID
		o.build.UpdatedAt = s.now()
		if err := s.log.Store().Update(ctx, o.build); err != nil {
			o.logger.Warn("record execution id failed", zap.Error(err))
		}
		o.logger = o.logger.With(zap.String("execution_id", ev.ExecutionID))
	}
	if ev.Degraded {
		o.logger.Warn("status check degraded", zap.Int("attempt", ev.Attempt))
	} else if ev.Attempt > 0 {
		o.logger.Debug("build progress", zap.Int("attempt", ev.Attempt), zap.String("state", string(ev.State)))
	}

	if err := s.log.Append(ctx, o.build.ID, builds.NewEvent(builds.EventProgress, ev.Message, ev)); err != nil {
		o.logger.Warn("append progress failed", zap.Error(err))
	}
}

func (o *buildObserver) OnResult(res controller.Result) {
	<-o.ready
	s := o.server
	ctx := s.ctx

	if repo := outcome.RepositoryOf(res.Outcome); repo != nil {
		s.updateSession(ctx, o.build.SessionID, func(sess *session.Session) {
			sess.Repository = &flows.RepositoryHandle{URL: outcome.NormalizeRepoURL(repo.URL), Name: repo.Name}
		})
	}

	data := api.SummaryData{Outcome: api.ViewOutcome(res.Outcome)}
	o.build.Complete(res, s.now())
	data.Status = string(o.build.Status)
	if res.Err != nil {
		data.ErrorKind = string(res.Err.Kind)
		data.Retryable = res.Err.Retryable()
	} else if res.Outcome.Kind() == outcome.KindUnresolved {
		data.ErrorKind = string(builderr.KindOutcomeUnresolved)
	}

	if err := s.log.Append(ctx, o.build.ID, builds.NewEvent(builds.EventSummary, res.Summary, data)); err != nil {
		o.logger.Warn("append summary failed", zap.Error(err))
	}
	if err := s.log.Store().Update(ctx, o.build); err != nil {
		o.logger.Error("record result failed", zap.Error(err))
	}
	s.log.Close(o.build.ID)

	fields := []zap.Field{zap.String("status", string(o.build.Status)), zap.Int("attempt", res.Attempts)}
	if res.Outcome != nil {
		fields = append(fields, zap.String("outcome", string(res.Outcome.Kind())))
	}
	if res.Err != nil {
		fields = append(fields, zap.String("error_kind", string(res.Err.Kind)))
	}
	o.logger.Info("build finished", fields...)
}
