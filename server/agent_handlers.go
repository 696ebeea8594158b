package main

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/catalog"
	"github.com/senhakan/appcenter-server/pkg/httprange"
	"github.com/senhakan/appcenter-server/pkg/protocol"
)

const agentUUIDContextKey = "agent_uuid"

func (s *Server) registerAgentRoutes(r *gin.Engine) {
	agent := r.Group("/api/v1/agent")
	agent.POST("/register", limitByClientIP(s.rateLimiter, s.logger), s.handleRegister)

	authed := agent.Group("", s.requireAgent)
	bounded := authed.Group("", withDeadline(time.Duration(s.cfg.Server.RequestTimeout)*time.Second))
	bounded.POST("/heartbeat", s.handleHeartbeat)
	bounded.POST("/task/:task_id/status", s.handleTaskStatus)
	bounded.POST("/inventory", s.handleInventory)
	authed.GET("/store", s.handleStore)
	authed.GET("/download/:app_id", s.handleDownload)
	authed.HEAD("/download/:app_id", s.handleDownload)
	authed.GET("/update/download/:filename", s.handleUpdateDownload)
}

// requireAgent authenticates the X-Agent-UUID / X-Agent-Secret pair.
func (s *Server) requireAgent(c *gin.Context) {
	agent, err := s.registry.Authenticate(c.Request.Context(),
		c.GetHeader(protocol.HeaderAgentUUID), c.GetHeader(protocol.HeaderAgentSecret))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.Set(agentUUIDContextKey, agent.UUID)
	c.Next()
}

func agentUUID(c *gin.Context) string {
	return c.GetString(agentUUIDContextKey)
}

func (s *Server) handleRegister(c *gin.Context) {
	var req protocol.RegisterRequest
	if !bindJSON(c, &req, s.logger) {
		return
	}
	resp, err := s.registry.Register(c.Request.Context(), req)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req protocol.HeartbeatRequest
	if !bindJSON(c, &req, s.logger) {
		return
	}
	res, err := s.engine.Process(c.Request.Context(), agentUUID(c), req)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, res.Response())
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	taskID, err := parseUintParam(c.Param("task_id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	var req protocol.TaskStatusRequest
	if !bindJSON(c, &req, s.logger) {
		return
	}
	if err := s.resolver.ReportStatus(c.Request.Context(), agentUUID(c), taskID, req); err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, protocol.MessageResponse{Status: "ok", Message: "Status updated"})
}

func (s *Server) handleInventory(c *gin.Context) {
	var req protocol.InventoryRequest
	if !bindJSON(c, &req, s.logger) {
		return
	}
	changes, err := s.inventory.Submit(c.Request.Context(), agentUUID(c), req)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, protocol.InventoryResponse{
		Status:  "ok",
		Message: "Inventory updated",
		Changes: changes,
	})
}

func (s *Server) handleStore(c *gin.Context) {
	apps, err := s.catalog.StoreView(c.Request.Context(), agentUUID(c))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, protocol.StoreResponse{Apps: apps})
}

func (s *Server) handleDownload(c *gin.Context) {
	appID, err := parseUintParam(c.Param("app_id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	f, app, err := s.catalog.OpenInstaller(c.Request.Context(), appID)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	defer f.Close()
	s.serveFile(c, f, catalog.DownloadName(app))
}

func (s *Server) handleUpdateDownload(c *gin.Context) {
	filename := c.Param("filename")
	f, err := s.catalog.OpenAgentUpdate(filename)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	defer f.Close()
	s.serveFile(c, f, filename)
}

// serveFile streams f honoring a single byte range. Errors after the
// header went out can only be logged.
func (s *Server) serveFile(c *gin.Context, f *os.File, name string) {
	info, err := f.Stat()
	if err != nil {
		fail(c, apperr.Internal("stat download", err), s.logger)
		return
	}
	if err := httprange.Serve(c.Writer, c.Request, f, info.Size(), name); err != nil {
		if !c.Writer.Written() {
			fail(c, err, s.logger)
			return
		}
		logger := requestLogger(c, s.logger)
		logger.Warn().Err(err).Str("file", name).Msg("download interrupted")
	}
}
