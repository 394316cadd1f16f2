package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"markethub/pkg/types"
)

const maxBodyBytes = 64 * 1024

// Hub is the subset of hub operations exposed over HTTP.
type Hub interface {
	Stats() types.Stats
	BroadcastOrderStatus(ctx context.Context, orderID, status string, payload map[string]any) (int, error)
	RequestSupport(ctx context.Context, userID, issue string, priority types.Priority) (types.SupportRequest, error)
	ListSupport(status types.SupportStatus) ([]types.SupportRequest, error)
	AssignSupportAgent(ctx context.Context, roomID, agentID string) (types.SupportRequest, error)
	UpdateSupportStatus(ctx context.Context, roomID, actorID string, status types.SupportStatus) (types.SupportRequest, error)
	UnreadNotifications(ctx context.Context, userID string) ([]types.Notification, error)
	MarkNotificationsRead(ctx context.Context, userID string, ids []string) error
}

// Store is the persistence the HTTP layer checks and provisions.
type Store interface {
	HealthCheck(ctx context.Context) error
	UpsertUser(ctx context.Context, user types.User) error
	UpsertOrder(ctx context.Context, orderID, userID, status string) error
}

// Registry reports connection counts for the health endpoint.
type Registry interface {
	GetStats() map[string]int
}

// Server is the HTTP surface of the hub: a JSON API for marketplace backends
// plus the websocket upgrade endpoint. It holds no business logic.
type Server struct {
	hub      Hub
	store    Store
	registry Registry
	router   chi.Router
	started  time.Time
	log      zerolog.Logger
}

// NewServer wires routes. ws serves GET /ws.
func NewServer(hub Hub, store Store, registry Registry, ws http.HandlerFunc, allowedOrigins []string, log zerolog.Logger) *Server {
	s := &Server{
		hub:      hub,
		store:    store,
		registry: registry,
		router:   chi.NewRouter(),
		started:  time.Now(),
		log:      log,
	}
	s.setupRoutes(ws, allowedOrigins)
	return s
}

func (s *Server) setupRoutes(ws http.HandlerFunc, allowedOrigins []string) {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", ws)

	r.Group(func(r chi.Router) {
		r.Use(jsonContent)
		r.Use(middleware.RequestSize(maxBodyBytes))

		r.Get("/health", s.healthCheck)

		r.Route("/api", func(r chi.Router) {
			r.Get("/stats", s.stats)

			r.Put("/users/{userID}", s.upsertUser)
			r.Get("/users/{userID}/notifications", s.unreadNotifications)
			r.Post("/users/{userID}/notifications/read", s.markNotificationsRead)

			r.Put("/orders/{orderID}", s.upsertOrder)
			r.Post("/orders/{orderID}/status", s.orderStatus)

			r.Post("/support", s.requestSupport)
			r.Get("/support", s.listSupport)
			r.Post("/support/{roomID}/assign", s.assignSupport)
			r.Patch("/support/{roomID}", s.updateSupport)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type UpsertUserRequest struct {
	Name string     `json:"name" validate:"required,max=128"`
	Role types.Role `json:"role" validate:"required,oneof=customer seller admin support"`
}

type UpsertOrderRequest struct {
	UserID string `json:"user_id" validate:"required,userid"`
	Status string `json:"status" validate:"omitempty,max=64"`
}

type OrderStatusRequest struct {
	Status  string         `json:"status" validate:"required,max=64"`
	Payload map[string]any `json:"payload"`
}

type OrderStatusResponse struct {
	OrderID   string `json:"order_id"`
	Delivered int    `json:"delivered"`
}

type SupportRequestBody struct {
	UserID   string         `json:"user_id" validate:"required,userid"`
	Issue    string         `json:"issue" validate:"required"`
	Priority types.Priority `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

type AssignRequest struct {
	AgentID string `json:"agent_id" validate:"required,userid"`
}

type UpdateSupportRequest struct {
	ActorID string              `json:"actor_id" validate:"required,userid"`
	Status  types.SupportStatus `json:"status" validate:"required,oneof=pending assigned resolved closed reopened"`
}

type MarkReadRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=100,dive,required,max=64"`
}

type SupportListResponse struct {
	Requests []types.SupportRequest `json:"requests"`
}

type NotificationsResponse struct {
	Notifications []types.Notification `json:"notifications"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Uptime      string         `json:"uptime"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Database:    "healthy",
		Connections: s.registry.GetStats(),
	}

	status := http.StatusOK
	if err := s.store.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = err.Error()
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.Stats())
}

func (s *Server) upsertUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req UpsertUserRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !types.IsValidUserID(userID) {
		s.sendError(w, fmt.Errorf("%w: user id %q", types.ErrInvalidArgument, userID))
		return
	}

	user := types.User{ID: userID, Name: req.Name, Role: req.Role}
	if err := s.store.UpsertUser(r.Context(), user); err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

func (s *Server) upsertOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	var req UpsertOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !types.IsValidRoomID(types.OrderRoomID(orderID)) {
		s.sendError(w, fmt.Errorf("%w: order id %q", types.ErrInvalidArgument, orderID))
		return
	}
	if req.Status == "" {
		req.Status = "placed"
	}

	if err := s.store.UpsertOrder(r.Context(), orderID, req.UserID, req.Status); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) orderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	var req OrderStatusRequest
	if !s.decode(w, r, &req) {
		return
	}

	delivered, err := s.hub.BroadcastOrderStatus(r.Context(), orderID, req.Status, req.Payload)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, OrderStatusResponse{OrderID: orderID, Delivered: delivered})
}

func (s *Server) requestSupport(w http.ResponseWriter, r *http.Request) {
	var req SupportRequestBody
	if !s.decode(w, r, &req) {
		return
	}

	created, err := s.hub.RequestSupport(r.Context(), req.UserID, req.Issue, req.Priority)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listSupport(w http.ResponseWriter, r *http.Request) {
	requests, err := s.hub.ListSupport(types.SupportStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.sendError(w, err)
		return
	}
	if requests == nil {
		requests = []types.SupportRequest{}
	}
	s.writeJSON(w, http.StatusOK, SupportListResponse{Requests: requests})
}

func (s *Server) assignSupport(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if !s.decode(w, r, &req) {
		return
	}

	updated, err := s.hub.AssignSupportAgent(r.Context(), chi.URLParam(r, "roomID"), req.AgentID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) updateSupport(w http.ResponseWriter, r *http.Request) {
	var req UpdateSupportRequest
	if !s.decode(w, r, &req) {
		return
	}

	updated, err := s.hub.UpdateSupportStatus(r.Context(), chi.URLParam(r, "roomID"), req.ActorID, req.Status)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) unreadNotifications(w http.ResponseWriter, r *http.Request) {
	notifications, err := s.hub.UnreadNotifications(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	if notifications == nil {
		notifications = []types.Notification{}
	}
	s.writeJSON(w, http.StatusOK, NotificationsResponse{Notifications: notifications})
}

func (s *Server) markNotificationsRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.hub.MarkNotificationsRead(r.Context(), chi.URLParam(r, "userID"), req.IDs); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads and validates a JSON body, writing the error response itself
// when it returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, fmt.Errorf("%w: request body exceeds %d bytes", types.ErrMessageTooLarge, tooLarge.Limit))
			return false
		}
		s.sendError(w, fmt.Errorf("%w: invalid JSON", types.ErrInvalidArgument))
		return false
	}
	if err := types.ValidateStruct(v); err != nil {
		s.sendError(w, err)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("failed to write response")
	}
}

// sendError maps the hub error taxonomy onto HTTP statuses.
func (s *Server) sendError(w http.ResponseWriter, err error) {
	code := types.ErrorCode(err)
	status := statusFor(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
		message = "internal error"
	}

	s.writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    code,
		Message: message,
	})
}

func statusFor(code string) int {
	switch code {
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeForbidden:
		return http.StatusForbidden
	case types.CodeCapacityExceeded:
		return http.StatusServiceUnavailable
	case types.CodeMessageTooLarge:
		return http.StatusRequestEntityTooLarge
	case types.CodeRateLimited:
		return http.StatusTooManyRequests
	case types.CodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
