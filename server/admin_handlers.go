package main

import (
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/catalog"
	"github.com/senhakan/appcenter-server/pkg/fleet"
	"github.com/senhakan/appcenter-server/pkg/settings"
)

// operatorName is recorded as created_by; the static admin token carries
// no user identity.
const operatorName = "admin"

func (s *Server) adminGroup(r *gin.Engine) *gin.RouterGroup {
	return r.Group("/api/v1", s.requireAdmin)
}

func (s *Server) registerAdminRoutes(r *gin.Engine) {
	admin := s.adminGroup(r)

	admin.GET("/agents", s.handleListAgents)
	admin.GET("/agents/:uuid", s.handleGetAgent)
	admin.GET("/agents/:uuid/timeline", s.handleAgentTimeline)
	admin.GET("/agents/:uuid/system/history", s.handleSystemHistory)
	admin.GET("/agents/:uuid/tasks", s.handleAgentTasks)
	admin.GET("/tasks", s.handleTaskHistory)

	admin.GET("/groups", s.handleListGroups)
	admin.POST("/groups", s.handleCreateGroup)
	admin.GET("/groups/:id", s.handleGetGroup)
	admin.PUT("/groups/:id", s.handleUpdateGroup)
	admin.DELETE("/groups/:id", s.handleDeleteGroup)
	admin.PUT("/groups/:id/agents", s.handleAssignGroupAgents)

	admin.GET("/applications", s.handleListApplications)
	admin.POST("/applications", s.handleCreateApplication)
	admin.GET("/applications/:id", s.handleGetApplication)
	admin.PUT("/applications/:id", s.handleUpdateApplication)
	admin.DELETE("/applications/:id", s.handleDeleteApplication)

	admin.GET("/deployments", s.handleListDeployments)
	admin.POST("/deployments", s.handleCreateDeployment)
	admin.GET("/deployments/:id", s.handleGetDeployment)
	admin.PUT("/deployments/:id", s.handleUpdateDeployment)
	admin.DELETE("/deployments/:id", s.handleDeleteDeployment)
	admin.POST("/deployments/:id/reseed", s.handleReseedDeployment)

	admin.GET("/settings", s.handleListSettings)
	admin.PUT("/settings", s.handleUpdateSettings)
	admin.POST("/agent-update/upload", s.handleAgentUpdateUpload)

	admin.GET("/dashboard/stats", s.handleStats)
	admin.POST("/maintenance/sweep", s.handleSweep)
}

func (s *Server) requireAdmin(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(c, http.StatusUnauthorized, "missing bearer token", s.logger)
		return
	}
	if !s.admin.Match(strings.TrimPrefix(authz, "Bearer ")) {
		respondError(c, http.StatusUnauthorized, "invalid bearer token", s.logger)
		return
	}
	c.Next()
}

// Agents

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.registry.List(c.Request.Context())
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, agents)
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.registry.Get(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// requireKnownAgent answers 404 for unknown agents so history endpoints do
// not return an empty page for a typo.
func (s *Server) requireKnownAgent(c *gin.Context) (string, bool) {
	id := c.Param("uuid")
	ok, err := s.registry.Exists(c.Request.Context(), id)
	if err != nil {
		fail(c, apperr.Internal("load agent", err), s.logger)
		return "", false
	}
	if !ok {
		fail(c, apperr.NotFound("Agent not found"), s.logger)
		return "", false
	}
	return id, true
}

func (s *Server) handleAgentTimeline(c *gin.Context) {
	id, ok := s.requireKnownAgent(c)
	if !ok {
		return
	}
	limit, offset := paging(c, 50, 500)
	events, total, err := s.engine.Timeline(c.Request.Context(), id, limit, offset)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": events, "total": total})
}

func (s *Server) handleSystemHistory(c *gin.Context) {
	id, ok := s.requireKnownAgent(c)
	if !ok {
		return
	}
	limit, offset := paging(c, 50, 500)
	items, total, err := s.engine.SystemHistory(c.Request.Context(), id, limit, offset)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

func (s *Server) handleAgentTasks(c *gin.Context) {
	id, ok := s.requireKnownAgent(c)
	if !ok {
		return
	}
	s.respondTaskHistory(c, id)
}

func (s *Server) handleTaskHistory(c *gin.Context) {
	s.respondTaskHistory(c, c.Query("agent_uuid"))
}

func (s *Server) respondTaskHistory(c *gin.Context, agentUUID string) {
	limit, offset := paging(c, 100, 1000)
	items, total, err := s.resolver.History(c.Request.Context(), agentUUID, limit, offset)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

// Groups

func (s *Server) handleListGroups(c *gin.Context) {
	groups, err := s.registry.ListGroups(c.Request.Context())
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, groups)
}

func (s *Server) handleGetGroup(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	group, err := s.registry.GetGroup(c.Request.Context(), id)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, group)
}

func (s *Server) handleCreateGroup(c *gin.Context) {
	var in fleet.GroupInput
	if !bindJSON(c, &in, s.logger) {
		return
	}
	group, err := s.registry.CreateGroup(c.Request.Context(), in)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusCreated, group)
}

func (s *Server) handleUpdateGroup(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	var in fleet.GroupInput
	if !bindJSON(c, &in, s.logger) {
		return
	}
	group, err := s.registry.UpdateGroup(c.Request.Context(), id, in)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, group)
}

func (s *Server) handleDeleteGroup(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	if err := s.registry.DeleteGroup(c.Request.Context(), id); err != nil {
		fail(c, err, s.logger)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAssignGroupAgents(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	var req struct {
		AgentUUIDs []string `json:"agent_uuids"`
	}
	if !bindJSON(c, &req, s.logger) {
		return
	}
	added, removed, err := s.registry.AssignAgents(c.Request.Context(), id, req.AgentUUIDs)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added, "removed": removed})
}

// Applications

func (s *Server) handleListApplications(c *gin.Context) {
	onlyActive, _ := strconv.ParseBool(c.Query("active_only"))
	apps, err := s.catalog.ListApplications(c.Request.Context(), onlyActive)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, apps)
}

func (s *Server) handleGetApplication(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	app, err := s.catalog.GetApplication(c.Request.Context(), id)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, app)
}

func (s *Server) handleCreateApplication(c *gin.Context) {
	in, err := applicationForm(c)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "file is required", s.logger)
		return
	}
	file, closeFile, err := openUpload(fileHeader)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	defer closeFile()

	var icon *catalog.Upload
	if iconHeader, err := c.FormFile("icon"); err == nil {
		up, closeIcon, err := openUpload(iconHeader)
		if err != nil {
			fail(c, err, s.logger)
			return
		}
		defer closeIcon()
		icon = &up
	}

	app, err := s.catalog.CreateApplication(c.Request.Context(), in, file, icon)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusCreated, app)
}

func (s *Server) handleUpdateApplication(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	var in catalog.ApplicationInput
	if !bindJSON(c, &in, s.logger) {
		return
	}
	app, err := s.catalog.UpdateApplication(c.Request.Context(), id, in)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, app)
}

func (s *Server) handleDeleteApplication(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	if err := s.catalog.DeleteApplication(c.Request.Context(), id); err != nil {
		fail(c, err, s.logger)
		return
	}
	c.Status(http.StatusNoContent)
}

// applicationForm reads the multipart text fields of an application upload.
func applicationForm(c *gin.Context) (catalog.ApplicationInput, error) {
	var in catalog.ApplicationInput
	text := func(key string) *string {
		if v, ok := c.GetPostForm(key); ok {
			return &v
		}
		return nil
	}
	flag := func(key string) (*bool, error) {
		v, ok := c.GetPostForm(key)
		if !ok || v == "" {
			return nil, nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, apperr.Validation(key + " must be a boolean")
		}
		return &b, nil
	}

	in.DisplayName = text("display_name")
	in.Version = text("version")
	in.Description = text("description")
	in.InstallArgs = text("install_args")
	in.UninstallArgs = text("uninstall_args")
	in.Category = text("category")
	var err error
	if in.IsVisibleInStore, err = flag("is_visible_in_store"); err != nil {
		return in, err
	}
	if in.IsActive, err = flag("is_active"); err != nil {
		return in, err
	}
	return in, nil
}

func openUpload(h *multipart.FileHeader) (catalog.Upload, func(), error) {
	f, err := h.Open()
	if err != nil {
		return catalog.Upload{}, nil, apperr.Validation("unreadable upload")
	}
	return catalog.Upload{Filename: h.Filename, Body: f}, func() { f.Close() }, nil
}

// Deployments

func (s *Server) handleListDeployments(c *gin.Context) {
	deps, err := s.catalog.ListDeployments(c.Request.Context())
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, deps)
}

func (s *Server) handleGetDeployment(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	dep, err := s.catalog.GetDeployment(c.Request.Context(), id)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, dep)
}

func (s *Server) handleCreateDeployment(c *gin.Context) {
	var in catalog.DeploymentInput
	if !bindJSON(c, &in, s.logger) {
		return
	}
	dep, err := s.catalog.CreateDeployment(c.Request.Context(), in, operatorName)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusCreated, dep)
}

func (s *Server) handleUpdateDeployment(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	var in catalog.DeploymentInput
	if !bindJSON(c, &in, s.logger) {
		return
	}
	dep, err := s.catalog.UpdateDeployment(c.Request.Context(), id, in)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, dep)
}

func (s *Server) handleDeleteDeployment(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	if err := s.catalog.DeleteDeployment(c.Request.Context(), id); err != nil {
		fail(c, err, s.logger)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReseedDeployment(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	seeded, err := s.resolver.Reseed(c.Request.Context(), id)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seeded": seeded})
}

// Settings

type settingView struct {
	Key         string  `json:"key"`
	Value       string  `json:"value"`
	Description *string `json:"description"`
	IsDefault   bool    `json:"is_default"`
}

// handleListSettings shows every known key, falling back to its default
// when no row is stored.
func (s *Server) handleListSettings(c *gin.Context) {
	rows, err := s.settings.List(c.Request.Context())
	if err != nil {
		fail(c, apperr.Internal("list settings", err), s.logger)
		return
	}
	byKey := make(map[string]settingView, len(settings.Defaults)+len(rows))
	for k, v := range settings.Defaults {
		byKey[k] = settingView{Key: k, Value: v, IsDefault: true}
	}
	for _, row := range rows {
		byKey[row.Key] = settingView{Key: row.Key, Value: row.Value, Description: row.Description}
	}
	out := make([]settingView, 0, len(byKey))
	for _, v := range byKey {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var values map[string]string
	if !bindJSON(c, &values, s.logger) {
		return
	}
	for k := range values {
		if _, known := settings.Defaults[k]; !known {
			respondError(c, http.StatusBadRequest, "unknown setting: "+k, s.logger)
			return
		}
	}
	if err := s.settings.Set(c.Request.Context(), values, ""); err != nil {
		fail(c, apperr.Internal("save settings", err), s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "updated": len(values)})
}

func (s *Server) handleAgentUpdateUpload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "file is required", s.logger)
		return
	}
	file, closeFile, err := openUpload(fileHeader)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	defer closeFile()

	update, err := s.catalog.UploadAgentUpdate(c.Request.Context(), c.PostForm("version"), file)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusCreated, update)
}

// Maintenance

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.catalog.Stats(c.Request.Context())
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleSweep(c *gin.Context) {
	res, err := s.sweeper.RunOnce(c.Request.Context())
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, res)
}
