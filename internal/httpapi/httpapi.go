// Package httpapi is the dispatcher's Gin REST surface and websocket
// upgrade endpoint (SPEC_FULL.md §4.6), grounded on the teacher's
// internal/dashboard server wiring but retargeted at client/builder/job
// management instead of engine/car telemetry.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/ej-framework/ej/internal/dispatcher"
	"github.com/ej-framework/ej/internal/ejerr"
	"github.com/ej-framework/ej/internal/models"
	"github.com/ej-framework/ej/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Server wires the dispatcher and store into a *gin.Engine.
type Server struct {
	d    *dispatcher.Dispatcher
	st   storage.Store
	log  *slog.Logger
	up   websocket.Upgrader
}

// New constructs the Gin engine with every route registered.
func New(d *dispatcher.Dispatcher, st storage.Store, log *slog.Logger) *gin.Engine {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{d: d, st: st, log: log, up: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}}

	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api/v1")
	api.POST("/clients", s.createClient)
	api.POST("/builders", s.createBuilder)
	api.POST("/builders/:id/config", s.postBuilderConfig)
	api.POST("/jobs", s.submitJob)
	api.GET("/jobs/:id", s.getJob)

	r.GET("/ws/builder", s.upgradeBuilder)
	return r
}

type createClientRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) createClient(c *gin.Context) {
	var req createClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, ejerr.New(ejerr.BadRequest, err))
		return
	}
	id, err := s.st.CreateClient(req.Username, req.Password, "user")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"client_id": id})
}

type createBuilderRequest struct {
	OwnerID string `json:"owner_id" binding:"required"`
	Name    string `json:"name" binding:"required"`
}

func (s *Server) createBuilder(c *gin.Context) {
	var req createBuilderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, ejerr.New(ejerr.BadRequest, err))
		return
	}
	id, token, err := s.st.CreateBuilder(req.OwnerID, req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"builder_id": id, "token": token})
}

type boardConfigPayload struct {
	Name        string   `json:"name" binding:"required"`
	Tags        []string `json:"tags"`
	BuildScript string   `json:"build_script" binding:"required"`
	RunScript   string   `json:"run_script" binding:"required"`
	ResultsPath string   `json:"results_path"`
	LibraryPath string   `json:"library_path"`
}

type boardPayload struct {
	Name        string                `json:"name" binding:"required"`
	Description string                `json:"description"`
	Configs     []boardConfigPayload `json:"configs" binding:"required"`
}

type postConfigRequest struct {
	Token  string         `json:"token" binding:"required"`
	Boards []boardPayload `json:"boards" binding:"required"`
}

func (s *Server) postBuilderConfig(c *gin.Context) {
	builderID := c.Param("id")
	var req postConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, ejerr.New(ejerr.BadRequest, err))
		return
	}
	if !s.st.VerifyBuilderToken(builderID, req.Token) {
		respondError(c, ejerr.New(ejerr.AuthFailed, nil))
		return
	}

	var specs []storage.BoardSpec
	for _, b := range req.Boards {
		var configs []storage.BoardConfigSpec
		for _, bc := range b.Configs {
			configs = append(configs, storage.BoardConfigSpec{
				Name: bc.Name, Tags: bc.Tags, BuildScript: bc.BuildScript,
				RunScript: bc.RunScript, ResultsPath: bc.ResultsPath, LibraryPath: bc.LibraryPath,
			})
		}
		specs = append(specs, storage.BoardSpec{Name: b.Name, Description: b.Description, Configs: configs})
	}

	ids, err := s.d.RegisterBuilderConfig(builderID, specs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"board_config_ids": ids})
}

type submitJobRequest struct {
	Kind        string `json:"kind" binding:"required"` // "build" or "build_and_run"
	CommitHash  string `json:"commit_hash" binding:"required"`
	RemoteURL   string `json:"remote_url" binding:"required"`
	FetchToken  string `json:"fetch_token"`
	TimeoutSecs int    `json:"timeout_secs" binding:"required"`
}

func (s *Server) submitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, ejerr.New(ejerr.BadRequest, err))
		return
	}
	if req.Kind != models.JobKindBuild && req.Kind != models.JobKindBuildRun {
		respondError(c, ejerr.New(ejerr.BadRequest, nil))
		return
	}
	// Submit blocks until the job reaches a terminal state or the
	// request's own context is cancelled (SPEC_FULL.md §4.6).
	outcome, err := s.d.Submit(c.Request.Context(), req.Kind, req.CommitHash, req.RemoteURL, req.FetchToken, req.TimeoutSecs)
	if err != nil {
		if outcome != nil {
			// The caller gave up waiting (client disconnect, request
			// timeout); the job itself is still running in the
			// background, so report what's known rather than a bare error.
			c.JSON(http.StatusGatewayTimeout, outcome)
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) getJob(c *gin.Context) {
	outcome, err := s.d.Outcome(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func respondError(c *gin.Context, err error) {
	kind, ok := ejerr.Of(err)
	status := http.StatusInternalServerError
	if ok {
		switch kind {
		case ejerr.BadRequest:
			status = http.StatusBadRequest
		case ejerr.AuthFailed:
			status = http.StatusUnauthorized
		case ejerr.NoBuilders:
			status = http.StatusServiceUnavailable
		case ejerr.Timeout:
			status = http.StatusGatewayTimeout
		}
	}
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, gin.H{"error": msg, "kind": string(kind)})
}
