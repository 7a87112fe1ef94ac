package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"AutoSedance-server/service"
)

// 片段详情：GET /v1/api/projects/:project_id/segments/:index
func (h *Handler) GetSegment(c *gin.Context) {
	idx, ok := segmentIndex(c)
	if !ok {
		return
	}
	seg, err := h.projects.GetSegment(c.Request.Context(), actingUser(c), c.Param("project_id"), idx)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, seg)
}

// 修改片段剧本/Prompt：PUT /v1/api/projects/:project_id/segments/:index
func (h *Handler) UpdateSegment(c *gin.Context) {
	idx, ok := segmentIndex(c)
	if !ok {
		return
	}
	var req service.UpdateSegmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.projects.UpdateSegment(c.Request.Context(), actingUser(c), c.Param("project_id"), idx, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// 手动填写分析：PUT /v1/api/projects/:project_id/segments/:index/analysis
func (h *Handler) UpdateAnalysis(c *gin.Context) {
	idx, ok := segmentIndex(c)
	if !ok {
		return
	}
	var req service.UpdateAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.projects.UpdateAnalysis(c.Request.Context(), actingUser(c), c.Param("project_id"), idx, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// 上传片段视频（multipart 字段 file）：POST /v1/api/projects/:project_id/segments/:index/video
func (h *Handler) UploadVideo(c *gin.Context) {
	idx, ok := segmentIndex(c)
	if !ok {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, err)
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.fail(c, service.Storage("open upload", err))
		return
	}
	defer f.Close()

	seg, err := h.projects.UploadVideo(c.Request.Context(), actingUser(c), c.Param("project_id"), idx, fh.Filename, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, seg)
}

// 下载片段视频：GET /v1/api/projects/:project_id/segments/:index/video
func (h *Handler) DownloadVideo(c *gin.Context) {
	if idx, ok := segmentIndex(c); ok {
		h.serveAsset(c, service.AssetVideo, idx)
	}
}

// 下载尾帧：GET /v1/api/projects/:project_id/segments/:index/frame
func (h *Handler) DownloadFrame(c *gin.Context) {
	if idx, ok := segmentIndex(c); ok {
		h.serveAsset(c, service.AssetFrame, idx)
	}
}
