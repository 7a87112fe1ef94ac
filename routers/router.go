package routers

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"AutoSedance-server/routers/api"
)

func InitRouter(h *api.Handler, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), api.RequestLogger(logger), api.ActingUser())

	r.GET("/health", h.Health)
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", h.CreateProject)
		v1.GET("/projects", h.ListProjects)
		v1.GET("/projects/:project_id", h.GetProject)
		v1.PUT("/projects/:project_id/full_script", h.UpdateFullScript)
		v1.GET("/projects/:project_id/final", h.DownloadFinal)

		v1.GET("/projects/:project_id/segments/:index", h.GetSegment)
		v1.PUT("/projects/:project_id/segments/:index", h.UpdateSegment)
		v1.PUT("/projects/:project_id/segments/:index/analysis", h.UpdateAnalysis)
		v1.POST("/projects/:project_id/segments/:index/video", h.UploadVideo)
		v1.GET("/projects/:project_id/segments/:index/video", h.DownloadVideo)
		v1.GET("/projects/:project_id/segments/:index/frame", h.DownloadFrame)

		v1.POST("/projects/:project_id/jobs", h.SubmitJob)
		v1.GET("/projects/:project_id/jobs", h.ListJobs)
		v1.GET("/projects/:project_id/jobs/:job_id", h.GetJob)
		v1.DELETE("/projects/:project_id/jobs/:job_id", h.CancelJob)
		v1.GET("/projects/:project_id/jobs/:job_id/ws", h.JobProgressWebSocket)
	}
	return r
}
