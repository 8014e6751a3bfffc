// Package api provides the HTTP API of the go-ec133 gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/resident-x/go-ec133/internal/config"
	"github.com/resident-x/go-ec133/internal/controller"
	"github.com/resident-x/go-ec133/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// maxCommandSize limits the body of a command request.
const maxCommandSize = 4096

// Controller is the part of the channel controller the API uses.
type Controller interface {
	HandleCommand(ctx context.Context, channel domain.Channel, payload []byte) error
	Snapshot() domain.Snapshot
	Stats() controller.Stats
}

// Server represents the HTTP API server exposing channel state and commands.
type Server struct {
	config     *config.Config
	server     *http.Server
	router     *mux.Router
	controller Controller
	limiter    *rate.Limiter
	version    string
	logger     zerolog.Logger
	startTime  time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, ctrl Controller, version string) *Server {
	router := mux.NewRouter()

	// Create logger with API component context
	logger := log.With().Str("component", "api").Logger()

	// Create API server instance
	apiServer := &Server{
		config:     cfg,
		router:     router,
		controller: ctrl,
		version:    version,
		logger:     logger,
		startTime:  time.Now(),
	}

	// Command requests share one token bucket; a zero rate disables it.
	if cfg.API.CommandRate > 0 {
		burst := max(1, int(cfg.API.CommandRate))
		apiServer.limiter = rate.NewLimiter(rate.Limit(cfg.API.CommandRate), burst)
	}

	// Set up API routes
	apiServer.setupRoutes()

	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	// API versioning
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Server status endpoint
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	// Channel endpoints
	api.HandleFunc("/channels", s.handleListChannels).Methods(http.MethodGet)
	api.HandleFunc("/channels/{id}", s.handleGetChannel).Methods(http.MethodGet)
	api.HandleFunc("/channels/{id}/command", s.handleCommand).Methods(http.MethodPost)
}

// Handler returns the router, for embedding or testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves requests in the background.
// Requests carry ctx, so cancelling it aborts commands still retrying.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// Create HTTP server
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	// Start HTTP server in a goroutine
	go func() {
		s.logger.Info().
			Str("address", listener.Addr().String()).
			Msg("Starting HTTP API server")

		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	// Create a timeout context for shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns server status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.controller.Snapshot()

	status := map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).String(),
		"toggle":  snapshot.Toggle.Active,
		"stats":   s.controller.Stats(),
	}

	s.writeJSON(w, status, http.StatusOK)
}

// channelView is the API representation of one channel.
type channelView struct {
	ID string `json:"id"`
	domain.ChannelState
}

func channelViews(snapshot domain.Snapshot) []channelView {
	views := make([]channelView, 0, domain.ChannelCount)
	for _, channel := range domain.AllChannels() {
		views = append(views, channelView{ID: channel.String(), ChannelState: snapshot.Channels[channel]})
	}
	return views
}

// handleListChannels returns the state of all channels and the toggle group.
func (s *Server) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.controller.Snapshot()

	s.writeJSON(w, map[string]interface{}{
		"channels": channelViews(snapshot),
		"toggle":   snapshot.Toggle,
		"count":    domain.ChannelCount,
	}, http.StatusOK)
}

// handleGetChannel returns one channel, or the toggle group for "toggle".
func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	channel, err := domain.ParseChannel(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, "Channel not found", http.StatusNotFound)
		return
	}

	snapshot := s.controller.Snapshot()
	if channel.IsToggle() {
		s.writeJSON(w, snapshot.Toggle, http.StatusOK)
		return
	}

	s.writeJSON(w, channelView{ID: channel.String(), ChannelState: snapshot.Channels[channel]}, http.StatusOK)
}

// handleCommand applies a JSON command exactly like one received over MQTT.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	channel, err := domain.ParseChannel(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, "Channel not found", http.StatusNotFound)
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.logger.Warn().Str("channel", channel.String()).Msg("API command rate exceeded")
		s.writeError(w, "Too many commands", http.StatusTooManyRequests)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxCommandSize+1))
	if err != nil {
		s.writeError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if len(payload) > maxCommandSize {
		s.writeError(w, "Command too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := s.controller.HandleCommand(r.Context(), channel, payload); err != nil {
		s.logger.Warn().Err(err).Str("channel", channel.String()).Msg("API command failed")

		switch {
		case errors.Is(err, domain.ErrMalformedCommand):
			s.writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, domain.ErrUnknownChannel):
			s.writeError(w, "Channel not found", http.StatusNotFound)
		case errors.Is(err, controller.ErrRetriesExhausted):
			s.writeError(w, err.Error(), http.StatusBadGateway)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.writeError(w, "Command aborted", http.StatusServiceUnavailable)
		default:
			s.writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	snapshot := s.controller.Snapshot()
	s.writeJSON(w, map[string]interface{}{
		"channels": channelViews(snapshot),
		"toggle":   snapshot.Toggle,
	}, http.StatusOK)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
