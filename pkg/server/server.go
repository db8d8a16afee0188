// Package server exposes the skill library, metadata store and execution
// pipeline as a local JSON API for editors and launchers.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/metadata"
	"github.com/jingkaihe/skillet/pkg/pipeline"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/jingkaihe/skillet/pkg/types/behavior"
	"github.com/pkg/errors"
)

// DefaultWatchDebounce delays library reloads after file changes.
const DefaultWatchDebounce = 250 * time.Millisecond

// Server is the local API server
type Server struct {
	router   *mux.Router
	library  *skills.Library
	store    *metadata.Store
	pipeline *pipeline.Pipeline
	config   *ServerConfig
	server   *http.Server
}

// ServerConfig holds the configuration for the API server
type ServerConfig struct {
	Host string
	Port int
	// WatchDebounce is how long to wait after a change in the skills
	// directory before reloading. Zero disables watching.
	WatchDebounce time.Duration
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// NewServer creates a new API server
func NewServer(config *ServerConfig, library *skills.Library, store *metadata.Store, p *pipeline.Pipeline) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid server configuration")
	}

	s := &Server{
		router:   mux.NewRouter(),
		library:  library,
		store:    store,
		pipeline: p,
		config:   config,
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the HTTP handler serving the API. CORS wraps the router
// so preflight requests are answered for every path.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.router)
}

// setupRoutes configures all the HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/skills", s.handleListSkills).Methods("GET")
	api.HandleFunc("/skills", s.handleCreateSkill).Methods("POST")
	api.HandleFunc("/skills/{id}", s.handleGetSkill).Methods("GET")
	api.HandleFunc("/skills/{id}", s.handleUpdateSkill).Methods("PUT")
	api.HandleFunc("/skills/{id}", s.handleDeleteSkill).Methods("DELETE")
	api.HandleFunc("/skills/{id}/metadata", s.handleGetMetadata).Methods("GET")
	api.HandleFunc("/skills/{id}/metadata", s.handleUpdateMetadata).Methods("PUT")
	api.HandleFunc("/skills/{id}/binding", s.handleBind).Methods("PUT")
	api.HandleFunc("/skills/{id}/binding", s.handleUnbind).Methods("DELETE")
	api.HandleFunc("/skills/{id}/invoke", s.handleInvoke).Methods("POST")
	api.HandleFunc("/bindings/conflict", s.handleFindConflict).Methods("GET")
	api.HandleFunc("/tools", s.handleListTools).Methods("GET")

	s.router.Use(s.loggingMiddleware)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		logger.G(r.Context()).WithFields(map[string]any{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rw.statusCode,
			"duration": time.Since(start),
		}).Info("HTTP request")
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SkillResponse is a skill definition together with its runtime metadata.
type SkillResponse struct {
	ID           string                   `json:"id"`
	Name         string                   `json:"name"`
	Description  string                   `json:"description"`
	UserPrompt   string                   `json:"userPrompt,omitempty"`
	SystemPrompt string                   `json:"systemPrompt,omitempty"`
	AllowedTools []string                 `json:"allowedTools"`
	Config       map[string]string        `json:"config,omitempty"`
	Metadata     metadata.RuntimeMetadata `json:"metadata"`
}

// SkillRequest creates or replaces a skill definition.
type SkillRequest struct {
	ID           string            `json:"id,omitempty"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	UserPrompt   string            `json:"userPrompt,omitempty"`
	SystemPrompt string            `json:"systemPrompt"`
	AllowedTools []string          `json:"allowedTools,omitempty"`
	Config       map[string]string `json:"config,omitempty"`
}

func (r SkillRequest) definition(id string) *skills.Definition {
	return &skills.Definition{
		ID:                   id,
		Name:                 r.Name,
		Description:          r.Description,
		UserPrompt:           r.UserPrompt,
		SystemPromptTemplate: r.SystemPrompt,
		AllowedTools:         r.AllowedTools,
		Config:               r.Config,
	}
}

// BindingRequest assigns a key to a skill.
type BindingRequest struct {
	KeyCode     int    `json:"keyCode"`
	DisplayName string `json:"displayName,omitempty"`
}

// ConflictResponse reports which skill holds a key code.
type ConflictResponse struct {
	KeyCode  int    `json:"keyCode"`
	Conflict bool   `json:"conflict"`
	SkillID  string `json:"skillId,omitempty"`
}

// InvokeRequest runs a skill.
type InvokeRequest struct {
	Utterance    string `json:"utterance"`
	Behavior     string `json:"behavior,omitempty"`
	SelectedText string `json:"selectedText,omitempty"`
}

// InvokeResponse reports what an invocation did.
type InvokeResponse struct {
	InvocationID string                   `json:"invocationId"`
	SkillID      string                   `json:"skillId"`
	Behavior     string                   `json:"behavior"`
	States       []pipeline.State         `json:"states"`
	Terminal     pipeline.State           `json:"terminal"`
	Route        string                   `json:"route"`
	Result       string                   `json:"result,omitempty"`
	ToolCall     *pipeline.ToolInvocation `json:"toolCall,omitempty"`
	ToolError    string                   `json:"toolError,omitempty"`
	Error        string                   `json:"error,omitempty"`
}

func (s *Server) skillResponse(def *skills.Definition) SkillResponse {
	return SkillResponse{
		ID:           def.ID,
		Name:         def.Name,
		Description:  def.Description,
		UserPrompt:   def.UserPrompt,
		SystemPrompt: def.SystemPromptTemplate,
		AllowedTools: def.AllowedTools,
		Config:       def.Config,
		Metadata:     s.store.Get(def.ID),
	}
}

// handleListSkills handles GET /api/skills
func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	includeInternal, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	defs := s.library.List(includeInternal)
	out := make([]SkillResponse, 0, len(defs))
	for _, def := range defs {
		resp := s.skillResponse(def)
		resp.SystemPrompt = ""
		out = append(out, resp)
	}
	s.writeJSONResponse(w, http.StatusOK, out)
}

// handleGetSkill handles GET /api/skills/{id}
func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	def, ok := s.library.Get(mux.Vars(r)["id"])
	if !ok {
		s.writeErrorResponse(r.Context(), w, http.StatusNotFound, "skill not found", nil)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, s.skillResponse(def))
}

// handleCreateSkill handles POST /api/skills
func (s *Server) handleCreateSkill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SkillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(ctx, w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	created, err := s.library.Create(ctx, req.definition(req.ID))
	if err != nil {
		s.writeLibraryError(ctx, w, "failed to create skill", err)
		return
	}
	s.writeJSONResponse(w, http.StatusCreated, s.skillResponse(created))
}

// handleUpdateSkill handles PUT /api/skills/{id}
func (s *Server) handleUpdateSkill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if _, ok := s.library.Get(id); !ok {
		s.writeErrorResponse(ctx, w, http.StatusNotFound, "skill not found", nil)
		return
	}

	var req SkillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(ctx, w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := s.library.Save(ctx, req.definition(id)); err != nil {
		s.writeLibraryError(ctx, w, "failed to save skill", err)
		return
	}

	def, _ := s.library.Get(id)
	s.writeJSONResponse(w, http.StatusOK, s.skillResponse(def))
}

// handleDeleteSkill handles DELETE /api/skills/{id}
func (s *Server) handleDeleteSkill(w http.ResponseWriter, r *http.Request) {
	if err := s.library.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeLibraryError(r.Context(), w, "failed to delete skill", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetMetadata handles GET /api/skills/{id}/metadata
func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.library.Get(id); !ok {
		s.writeErrorResponse(r.Context(), w, http.StatusNotFound, "skill not found", nil)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, s.store.Get(id))
}

// handleUpdateMetadata handles PUT /api/skills/{id}/metadata. Key bindings
// and the builtin flag are managed elsewhere and are left untouched.
func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	if _, ok := s.library.Get(id); !ok {
		s.writeErrorResponse(ctx, w, http.StatusNotFound, "skill not found", nil)
		return
	}

	var req metadata.RuntimeMetadata
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(ctx, w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	current := s.store.Get(id)
	current.Icon = req.Icon
	current.ColorHex = req.ColorHex
	current.IsInternal = req.IsInternal
	if err := s.store.Update(id, current); err != nil {
		s.writeErrorResponse(ctx, w, http.StatusInternalServerError, "failed to save metadata", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, s.store.Get(id))
}

// handleBind handles PUT /api/skills/{id}/binding[?resolve=true]
func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	if _, ok := s.library.Get(id); !ok {
		s.writeErrorResponse(ctx, w, http.StatusNotFound, "skill not found", nil)
		return
	}

	var req BindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(ctx, w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	resolve, _ := strconv.ParseBool(r.URL.Query().Get("resolve"))

	err := s.store.Bind(id, metadata.NewKeyBinding(req.KeyCode, req.DisplayName), resolve)
	var conflict *metadata.ConflictError
	if errors.As(err, &conflict) {
		s.writeJSONResponse(w, http.StatusConflict, map[string]any{
			"error":        conflict.Error(),
			"status":       http.StatusConflict,
			"success":      false,
			"conflictWith": conflict.ExistingID,
		})
		return
	}
	if err != nil {
		s.writeErrorResponse(ctx, w, http.StatusInternalServerError, "failed to save binding", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, s.store.Get(id))
}

// handleUnbind handles DELETE /api/skills/{id}/binding
func (s *Server) handleUnbind(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Unbind(mux.Vars(r)["id"]); err != nil {
		s.writeErrorResponse(r.Context(), w, http.StatusInternalServerError, "failed to remove binding", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFindConflict handles GET /api/bindings/conflict?keyCode=&skill=
func (s *Server) handleFindConflict(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	keyCode, err := strconv.Atoi(query.Get("keyCode"))
	if err != nil {
		s.writeErrorResponse(r.Context(), w, http.StatusBadRequest, "keyCode must be an integer", err)
		return
	}

	id, conflict := s.store.FindConflict(keyCode, query.Get("skill"))
	s.writeJSONResponse(w, http.StatusOK, ConflictResponse{KeyCode: keyCode, Conflict: conflict, SkillID: id})
}

// handleInvoke handles POST /api/skills/{id}/invoke
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	def, ok := s.library.Get(mux.Vars(r)["id"])
	if !ok {
		s.writeErrorResponse(ctx, w, http.StatusNotFound, "skill not found", nil)
		return
	}

	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(ctx, w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	b := behavior.FromTag(req.Behavior, req.SelectedText)
	out := s.pipeline.InvokeWithBehavior(ctx, def, req.Utterance, b)

	resp := InvokeResponse{
		InvocationID: out.InvocationID,
		SkillID:      out.SkillID,
		Behavior:     out.Behavior.Tag(),
		States:       out.States,
		Terminal:     out.Terminal,
		Route:        out.Route,
		Result:       out.Delivered,
		ToolCall:     out.ToolCall,
	}
	if out.ToolErr != nil {
		resp.ToolError = out.ToolErr.Error()
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	s.writeJSONResponse(w, http.StatusOK, resp)
}

// handleListTools handles GET /api/tools
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, s.pipeline.Registry().Describe())
}

func (s *Server) writeLibraryError(ctx context.Context, w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, skills.ErrSkillNotFound):
		s.writeErrorResponse(ctx, w, http.StatusNotFound, message, err)
	case errors.Is(err, skills.ErrSkillExists):
		s.writeErrorResponse(ctx, w, http.StatusConflict, message, err)
	case errors.Is(err, skills.ErrInvalidID), errors.Is(err, skills.ErrInvalidConfigKey), errors.Is(err, skills.ErrMissingRequiredField):
		s.writeErrorResponse(ctx, w, http.StatusBadRequest, message, err)
	default:
		s.writeErrorResponse(ctx, w, http.StatusInternalServerError, message, err)
	}
}

// writeJSONResponse writes a JSON response
func (s *Server) writeJSONResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.G(context.TODO()).WithError(err).Error("failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (s *Server) writeErrorResponse(ctx context.Context, w http.ResponseWriter, statusCode int, message string, err error) {
	detail := message
	if err != nil {
		logger.G(ctx).WithError(err).Warn(message)
		detail = fmt.Sprintf("%s: %v", message, err)
	}

	s.writeJSONResponse(w, statusCode, map[string]any{
		"error":   detail,
		"status":  statusCode,
		"success": false,
	})
}

// Start serves the API until ctx is cancelled, reloading the library when
// the skills directory changes.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.config.WatchDebounce > 0 {
		go func() {
			err := s.library.Watch(ctx, s.config.WatchDebounce, func(parseErrs []*skills.ParseError) {
				logger.G(ctx).WithField("errors", len(parseErrs)).Info("skills reloaded")
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.G(ctx).WithError(err).Error("skills watcher stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "api server failed")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Stop stops the API server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
