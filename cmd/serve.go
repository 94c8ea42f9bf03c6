package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/cascade-cli/internal/coherence"
	"github.com/sells-group/cascade-cli/internal/curing"
	"github.com/sells-group/cascade-cli/internal/model"
	"github.com/sells-group/cascade-cli/internal/monitoring"
	"github.com/sells-group/cascade-cli/internal/store"
)

var servePort int

// maxBodyBytes caps request bodies; cascades are small JSON objects.
const maxBodyBytes = 1 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the validation and curing API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		env, err := initCuring(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		api := &apiServer{
			ctx:       ctx,
			store:     env.Store,
			curing:    env.Service,
			validator: coherence.Default(),
			breaker:   env.Breaker(),
		}

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store, env.Breaker()),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(api, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// apiServer holds the handler dependencies. ctx outlives single requests
// and bounds background batch runs.
type apiServer struct {
	ctx       context.Context
	store     store.Store
	curing    *curing.Service
	validator *coherence.Validator
	breaker   monitoring.BreakerState

	batchRunning atomic.Bool
}

// newRouter builds the HTTP routes.
func newRouter(s *apiServer, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/validate", s.handleValidate)
		r.Get("/validations/{envelopeID}", s.handleGetValidation)
		r.Get("/candidates", s.handleCandidates)
		r.Post("/cure/batch", s.handleCureBatch)
		r.Post("/cure/{envelopeID}", s.handleCure)
		r.Get("/runs", s.handleRuns)
		r.Get("/stats", s.handleStats)
	})
	return r
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok", "store": "ok"}
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		body["status"] = "degraded"
		body["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.breaker != nil {
		body["circuit"] = s.breaker.State().String()
	}
	writeResponse(w, code, body)
}

// validateRequest is the body of POST /api/v1/validate.
type validateRequest struct {
	EnvelopeID string          `json:"envelope_id"`
	Persist    bool            `json:"persist"`
	Cascade    json.RawMessage `json:"cascade"`
}

func (s *apiServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cascade, err := coherence.ParseCascade(req.Cascade)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cascade must be a JSON object")
		return
	}

	res := s.validator.Validate(cascade)
	if req.Persist {
		if req.EnvelopeID == "" {
			writeError(w, http.StatusBadRequest, "envelope_id is required to persist")
			return
		}
		if err := s.store.SaveValidation(r.Context(), model.NewValidationRecord(req.EnvelopeID, cascade, res)); err != nil {
			zap.L().Error("api: save validation failed", zap.String("envelope_id", req.EnvelopeID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to store validation")
			return
		}
	}
	writeResponse(w, http.StatusOK, res.Summary())
}

func (s *apiServer) handleGetValidation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "envelopeID")
	rec, err := s.store.GetValidation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "validation not found")
		return
	}
	if err != nil {
		zap.L().Error("api: get validation failed", zap.String("envelope_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load validation")
		return
	}
	writeResponse(w, http.StatusOK, rec)
}

func (s *apiServer) handleCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.CandidateFilter{}
	var err error
	if filter.Limit, err = queryInt(q.Get("limit"), 100); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if filter.MinScore, err = queryFloat(q.Get("min_score")); err != nil {
		writeError(w, http.StatusBadRequest, "min_score must be a number")
		return
	}
	if filter.MaxScore, err = queryFloat(q.Get("max_score")); err != nil {
		writeError(w, http.StatusBadRequest, "max_score must be a number")
		return
	}

	cands, err := s.curing.GetCureCandidates(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list candidates failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list candidates")
		return
	}
	writeResponse(w, http.StatusOK, cands)
}

func (s *apiServer) handleCure(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "envelopeID")
	res, err := s.curing.CureSingle(r.Context(), id)
	if err != nil {
		zap.L().Error("api: cure failed", zap.String("envelope_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to record cure attempt")
		return
	}
	code := http.StatusOK
	if errors.Is(res.Err, curing.ErrRecordNotFound) {
		code = http.StatusNotFound
	}
	writeResponse(w, code, res)
}

func (s *apiServer) handleCureBatch(w http.ResponseWriter, r *http.Request) {
	var opts curing.BatchOptions
	if err := decodeBody(w, r, &opts); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.batchRunning.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "a batch is already running")
		return
	}

	// Run asynchronously; the outcome lands in the run log.
	go func() {
		defer s.batchRunning.Store(false)
		res, err := s.curing.CureBatch(s.ctx, opts)
		if err != nil {
			zap.L().Error("api: batch cure failed", zap.Error(err))
			return
		}
		zap.L().Info("api: batch cure complete",
			zap.String("run_id", res.RunID),
			zap.String("status", res.Status),
			zap.Int("processed", res.Processed),
		)
	}()

	writeResponse(w, http.StatusAccepted, map[string]any{
		"status":      "accepted",
		"limit":       opts.Limit,
		"max_workers": opts.MaxWorkers,
	})
}

func (s *apiServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query().Get("limit"), 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	runs, err := s.store.ListCureRuns(r.Context(), limit)
	if err != nil {
		zap.L().Error("api: list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.CureRun{}
	}
	writeResponse(w, http.StatusOK, runs)
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	coh, err := s.store.CoherenceStats(r.Context())
	if err != nil {
		zap.L().Error("api: coherence stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	cur, err := s.store.CuringStats(r.Context())
	if err != nil {
		zap.L().Error("api: curing stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeResponse(w, http.StatusOK, statsReport{Coherence: *coh, Curing: *cur})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func queryFloat(raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func writeResponse(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeResponse(w, code, map[string]string{"error": msg})
}
