package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"AutoSedance-server/service"
)

// 创建项目：POST /v1/api/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req service.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.projects.Create(c.Request.Context(), actingUser(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// 项目列表：GET /v1/api/projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.projects.List(c.Request.Context(), actingUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// 项目详情：GET /v1/api/projects/:project_id?include_full_script=&include_canon=
func (h *Handler) GetProject(c *gin.Context) {
	var opts service.ViewOptions
	var err error
	if opts.IncludeFullScript, err = queryBool(c, "include_full_script", true); err != nil {
		badRequest(c, err)
		return
	}
	if opts.IncludeCanon, err = queryBool(c, "include_canon", true); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.projects.Get(c.Request.Context(), actingUser(c), c.Param("project_id"), opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// 修改完整剧本：PUT /v1/api/projects/:project_id/full_script
func (h *Handler) UpdateFullScript(c *gin.Context) {
	var req service.UpdateFullScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.projects.UpdateFullScript(c.Request.Context(), actingUser(c), c.Param("project_id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// 下载成片：GET /v1/api/projects/:project_id/final
func (h *Handler) DownloadFinal(c *gin.Context) {
	h.serveAsset(c, service.AssetFinal, 0)
}

// 以流的形式返回存储对象
func (h *Handler) serveAsset(c *gin.Context, kind service.AssetKind, index int) {
	asset, err := h.projects.OpenAsset(c.Request.Context(), actingUser(c), c.Param("project_id"), kind, index)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer asset.Body.Close()

	c.DataFromReader(http.StatusOK, -1, asset.ContentType, asset.Body, map[string]string{
		"Content-Disposition": `inline; filename="` + asset.Name + `"`,
	})
}
