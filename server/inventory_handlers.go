package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/senhakan/appcenter-server/pkg/inventory"
)

func (s *Server) registerInventoryRoutes(r *gin.Engine) {
	admin := s.adminGroup(r)

	admin.GET("/agents/:uuid/inventory", s.handleAgentInventory)
	admin.GET("/agents/:uuid/inventory/changes", s.handleAgentInventoryChanges)

	inv := admin.Group("/inventory")
	inv.GET("/software", s.handleSoftwareSummary)
	inv.GET("/software/:name/agents", s.handleSoftwareAgents)
	inv.GET("/dashboard", s.handleInventoryDashboard)

	inv.GET("/normalization", s.handleListRules)
	inv.POST("/normalization", s.handleCreateRule)
	inv.PUT("/normalization/:id", s.handleUpdateRule)
	inv.DELETE("/normalization/:id", s.handleDeleteRule)
	inv.POST("/normalization/reapply", s.handleReapplyRules)

	inv.GET("/licenses", s.handleListLicenses)
	inv.POST("/licenses", s.handleCreateLicense)
	inv.PUT("/licenses/:id", s.handleUpdateLicense)
	inv.DELETE("/licenses/:id", s.handleDeleteLicense)
	inv.GET("/licenses/report", s.handleLicenseReport)
}

func (s *Server) handleAgentInventory(c *gin.Context) {
	id, ok := s.requireKnownAgent(c)
	if !ok {
		return
	}
	items, err := s.inventory.Snapshot(c.Request.Context(), id)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

func (s *Server) handleAgentInventoryChanges(c *gin.Context) {
	id, ok := s.requireKnownAgent(c)
	if !ok {
		return
	}
	limit, offset := paging(c, 100, 1000)
	items, total, err := s.inventory.Changes(c.Request.Context(), id, limit, offset)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

func (s *Server) handleSoftwareSummary(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 500 {
		perPage = 50
	}
	items, total, err := s.inventory.Summary(c.Request.Context(), c.Query("search"), page, perPage)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total, "page": page, "per_page": perPage})
}

func (s *Server) handleSoftwareAgents(c *gin.Context) {
	agents, err := s.inventory.AgentsWith(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, agents)
}

func (s *Server) handleInventoryDashboard(c *gin.Context) {
	dash, err := s.inventory.Dashboard(c.Request.Context())
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, dash)
}

// Normalization rules

func (s *Server) handleListRules(c *gin.Context) {
	rules, err := s.inventory.ListRules(c.Request.Context())
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (s *Server) handleCreateRule(c *gin.Context) {
	var in inventory.RuleInput
	if !bindJSON(c, &in, s.logger) {
		return
	}
	rule, err := s.inventory.CreateRule(c.Request.Context(), in)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	var in inventory.RuleInput
	if !bindJSON(c, &in, s.logger) {
		return
	}
	rule, err := s.inventory.UpdateRule(c.Request.Context(), id, in)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	if err := s.inventory.DeleteRule(c.Request.Context(), id); err != nil {
		fail(c, err, s.logger)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReapplyRules(c *gin.Context) {
	changed, err := s.inventory.ReapplyNormalizationRules(c.Request.Context())
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

// Licenses

func (s *Server) handleListLicenses(c *gin.Context) {
	licenses, err := s.inventory.ListLicenses(c.Request.Context())
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, licenses)
}

func (s *Server) handleCreateLicense(c *gin.Context) {
	var in inventory.LicenseInput
	if !bindJSON(c, &in, s.logger) {
		return
	}
	license, err := s.inventory.CreateLicense(c.Request.Context(), in)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusCreated, license)
}

func (s *Server) handleUpdateLicense(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	var in inventory.LicenseInput
	if !bindJSON(c, &in, s.logger) {
		return
	}
	license, err := s.inventory.UpdateLicense(c.Request.Context(), id, in)
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, license)
}

func (s *Server) handleDeleteLicense(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	if err := s.inventory.DeleteLicense(c.Request.Context(), id); err != nil {
		fail(c, err, s.logger)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleLicenseReport(c *gin.Context) {
	report, err := s.inventory.LicenseReport(c.Request.Context())
	if err != nil {
		fail(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, report)
}
