// Package api provides HTTP handlers for the StackPilot API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/stackpilot/stackpilot/internal/core/compose"
	"github.com/stackpilot/stackpilot/internal/core/domain"
	"github.com/stackpilot/stackpilot/internal/core/progress"
	"github.com/stackpilot/stackpilot/internal/orchestrate"
	"github.com/stackpilot/stackpilot/internal/shell/docker"
	"github.com/stackpilot/stackpilot/internal/shell/notify"
	"github.com/stackpilot/stackpilot/internal/shell/store"
)

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	store      store.Store
	driver     docker.Driver
	orc        *orchestrate.Orchestrator
	upgrader   *orchestrate.UpgradeCoordinator
	rollbacker *orchestrate.RollbackCoordinator
	hub        *notify.Hub
	sink       progress.Sink
	logger     *slog.Logger
}

// NewHandler creates a new API handler. The hub serves the event stream
// endpoint; sink receives every orchestration event and normally includes
// the hub.
func NewHandler(st store.Store, drv docker.Driver, orc *orchestrate.Orchestrator, hub *notify.Hub, sink progress.Sink, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = progress.Discard
	}
	return &Handler{
		store:      st,
		driver:     drv,
		orc:        orc,
		upgrader:   orchestrate.NewUpgradeCoordinator(orc, logger),
		rollbacker: orchestrate.NewRollbackCoordinator(orc, logger),
		hub:        hub,
		sink:       sink,
		logger:     logger.With("component", "api"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDHeader)

	// Health endpoints
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Catalog routes
		r.Route("/stacks", func(r chi.Router) {
			r.Post("/", h.handleCreateStack)
			r.Get("/", h.handleListStacks)
			r.Get("/{id}", h.handleGetStack)
			r.Delete("/{id}", h.handleDeleteStack)
		})
		r.Route("/products", func(r chi.Router) {
			r.Post("/", h.handleCreateProduct)
			r.Get("/", h.handleListProducts)
			r.Get("/{id}", h.handleGetProduct)
			r.Delete("/{id}", h.handleDeleteProduct)
		})

		// Deployment routes
		r.Route("/deployments", func(r chi.Router) {
			r.Post("/", h.handleCreateDeployment)
			r.Get("/", h.handleListDeployments)
			r.Get("/{id}", h.handleGetDeployment)
			r.Delete("/{id}", h.handleRemoveDeployment)
			r.Post("/{id}/upgrade", h.handleUpgradeDeployment)
			r.Post("/{id}/rollback", h.handleRollbackDeployment)
		})

		// Maintenance mode on a single deployed stack
		r.Route("/stack-deployments/{id}", func(r chi.Router) {
			r.Post("/stop", h.handleStopStack)
			r.Post("/start", h.handleStartStack)
		})

		// Progress event stream
		r.Get("/events", h.handleEvents)
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok"}

	if err := h.driver.Ping(r.Context()); err != nil {
		checks["docker"] = "failed"
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
		return
	}
	checks["docker"] = "ok"

	h.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// =============================================================================
// Catalog Handlers
// =============================================================================

func (h *Handler) handleCreateStack(w http.ResponseWriter, r *http.Request) {
	var req CreateStackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	if req.Name == "" || req.Version == "" || req.Manifest == "" {
		h.writeError(w, http.StatusBadRequest, "name, version and manifest are required", "validation_error")
		return
	}

	// Reject unparsable manifests at registration time, not at deploy time.
	if _, err := compose.Parse(req.Manifest); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid manifest: %v", err), "validation_error")
		return
	}

	now := time.Now().UTC()
	stack := &domain.Stack{
		ID:               "stk_" + uuid.New().String()[:8],
		Name:             req.Name,
		Description:      req.Description,
		Version:          req.Version,
		Manifest:         req.Manifest,
		DefaultVariables: req.DefaultVariables,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := h.store.CreateStack(r.Context(), stack); err != nil {
		h.logger.Error("failed to create stack", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create stack", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusCreated, stack)
}

func (h *Handler) handleGetStack(w http.ResponseWriter, r *http.Request) {
	stack, err := h.store.GetStack(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "stack not found", "stack_not_found")
			return
		}
		h.logger.Error("failed to get stack", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get stack", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, stack)
}

func (h *Handler) handleListStacks(w http.ResponseWriter, r *http.Request) {
	opts := h.listOptions(r)
	stacks, err := h.store.ListStacks(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list stacks", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list stacks", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, ListStacksResponse{
		Stacks: stacks,
		Total:  len(stacks),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

func (h *Handler) handleDeleteStack(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteStack(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "stack not found", "stack_not_found")
			return
		}
		h.logger.Error("failed to delete stack", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to delete stack", "internal_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	if req.Name == "" || req.Version == "" || len(req.Stacks) == 0 {
		h.writeError(w, http.StatusBadRequest, "name, version and stacks are required", "validation_error")
		return
	}

	refs := make([]domain.ProductStackRef, 0, len(req.Stacks))
	for _, ref := range req.Stacks {
		if _, err := h.store.GetStack(r.Context(), ref.StackID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown stack %s", ref.StackID), "validation_error")
				return
			}
			h.logger.Error("failed to resolve stack", "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to resolve stack", "internal_error")
			return
		}
		refs = append(refs, domain.ProductStackRef{StackID: ref.StackID, OrderIndex: ref.OrderIndex})
	}

	groupID := req.GroupID
	if groupID == "" {
		groupID = "grp_" + uuid.New().String()[:8]
	}

	now := time.Now().UTC()
	product := &domain.Product{
		ID:              "prd_" + uuid.New().String()[:8],
		GroupID:         groupID,
		Name:            req.Name,
		Description:     req.Description,
		Version:         req.Version,
		Stacks:          refs,
		SharedVariables: req.SharedVariables,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := h.store.CreateProduct(r.Context(), product); err != nil {
		h.logger.Error("failed to create product", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create product", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusCreated, product)
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.store.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "product not found", "product_not_found")
			return
		}
		h.logger.Error("failed to get product", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get product", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, product)
}

func (h *Handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	opts := h.listOptions(r)

	var (
		products []domain.Product
		err      error
	)
	if group := r.URL.Query().Get("group_id"); group != "" {
		products, err = h.store.ListProductsByGroup(r.Context(), group)
	} else {
		products, err = h.store.ListProducts(r.Context(), opts)
	}
	if err != nil {
		h.logger.Error("failed to list products", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list products", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, ListProductsResponse{
		Products: products,
		Total:    len(products),
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	})
}

func (h *Handler) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteProduct(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "product not found", "product_not_found")
			return
		}
		h.logger.Error("failed to delete product", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to delete product", "internal_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Deployment Handlers
// =============================================================================

func (h *Handler) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req orchestrate.DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	if req.SessionID == "" {
		req.SessionID = "sess_" + uuid.New().String()[:8]
	}

	result, err := h.orc.Deploy(r.Context(), req, h.sink)
	if err != nil && result == nil {
		h.writeOrchestrationError(w, err)
		return
	}

	// Partial failure is a status, not an error: the caller inspects the
	// per-stack results.
	h.writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	result, err := h.orc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeOrchestrationError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	env := r.URL.Query().Get("environment_id")
	if env == "" {
		h.writeError(w, http.StatusBadRequest, "environment_id query parameter is required", "validation_error")
		return
	}

	opts := h.listOptions(r)
	deployments, err := h.orc.List(r.Context(), env, opts)
	if err != nil {
		h.logger.Error("failed to list deployments", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list deployments", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, ListDeploymentsResponse{
		Deployments: deployments,
		Total:       len(deployments),
		Limit:       opts.Limit,
		Offset:      opts.Offset,
	})
}

func (h *Handler) handleRemoveDeployment(w http.ResponseWriter, r *http.Request) {
	result, err := h.orc.Remove(r.Context(), chi.URLParam(r, "id"), h.sink)
	if err != nil {
		h.writeOrchestrationError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleUpgradeDeployment(w http.ResponseWriter, r *http.Request) {
	var req orchestrate.UpgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	result, err := h.upgrader.Upgrade(r.Context(), chi.URLParam(r, "id"), req, h.sink)
	if err != nil && result == nil {
		h.writeOrchestrationError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRollbackDeployment(w http.ResponseWriter, r *http.Request) {
	result, err := h.rollbacker.Rollback(r.Context(), chi.URLParam(r, "id"), h.sink)
	if err != nil && result == nil {
		h.writeOrchestrationError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleStopStack(w http.ResponseWriter, r *http.Request) {
	sd, err := h.orc.StopStack(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeOrchestrationError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sd)
}

func (h *Handler) handleStartStack(w http.ResponseWriter, r *http.Request) {
	sd, err := h.orc.StartStack(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeOrchestrationError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sd)
}

// =============================================================================
// Event Stream
// =============================================================================

// handleEvents streams progress events as server-sent events, optionally
// filtered by session_id. The stream stays open until the client leaves.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported", "internal_error")
		return
	}

	events, cancel := h.hub.Subscribe(r.URL.Query().Get("session_id"))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to encode event", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) listOptions(r *http.Request) store.ListOptions {
	opts := store.DefaultListOptions()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	return opts.Normalize()
}

// writeOrchestrationError maps the orchestration error taxonomy to HTTP
// status codes.
func (h *Handler) writeOrchestrationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error(), "not_found")
	case errors.Is(err, orchestrate.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
	case errors.Is(err, orchestrate.ErrConcurrencyConflict):
		h.writeError(w, http.StatusConflict, err.Error(), "concurrency_conflict")
	case errors.Is(err, orchestrate.ErrSnapshotUnavailable):
		h.writeError(w, http.StatusConflict, err.Error(), "snapshot_unavailable")
	case errors.Is(err, orchestrate.ErrRuntime):
		h.writeError(w, http.StatusInternalServerError, err.Error(), "runtime_error")
	default:
		h.logger.Error("unexpected orchestration error", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error", "internal_error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
