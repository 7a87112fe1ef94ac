package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"AutoSedance-server/models"
	"AutoSedance-server/service"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 提交任务：POST /v1/api/projects/:project_id/jobs
func (h *Handler) SubmitJob(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	job, err := h.jobs.Submit(c.Request.Context(), actingUser(c), c.Param("project_id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// 任务列表：GET /v1/api/projects/:project_id/jobs?limit=
func (h *Handler) ListJobs(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			badRequest(c, errors.New("limit must be an integer"))
			return
		}
		limit = n
	}
	jobs, err := h.jobs.List(c.Request.Context(), actingUser(c), c.Param("project_id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// 查询任务：GET /v1/api/projects/:project_id/jobs/:job_id
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), actingUser(c), c.Param("project_id"), c.Param("job_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// 取消排队中的任务：DELETE /v1/api/projects/:project_id/jobs/:job_id
func (h *Handler) CancelJob(c *gin.Context) {
	job, err := h.jobs.Cancel(c.Request.Context(), actingUser(c), c.Param("project_id"), c.Param("job_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// 任务进度 WebSocket：GET /v1/api/projects/:project_id/jobs/:job_id/ws?client=
// 以数据库为来源轮询并推送变化，直到任务结束。同一 project/client 的新连接会顶替旧连接。
func (h *Handler) JobProgressWebSocket(c *gin.Context) {
	projectID, jobID, user := c.Param("project_id"), c.Param("job_id"), actingUser(c)
	if _, err := h.jobs.Get(c.Request.Context(), user, projectID, jobID); err != nil {
		h.fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// 读协程只用于感知客户端断开
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	key := projectID + "/" + c.DefaultQuery("client", jobID)
	err = h.poller.Watch(ctx, key,
		func(ctx context.Context) (*models.Job, error) {
			return h.jobs.Get(ctx, user, projectID, jobID)
		},
		func(job *models.Job) error {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			return conn.WriteJSON(job)
		})

	closeCode, reason := websocket.CloseNormalClosure, "job finished"
	switch {
	case err == nil:
	case errors.Is(err, service.ErrSuperseded):
		reason = "superseded"
	case errors.Is(err, context.Canceled):
		return
	default:
		closeCode, reason = websocket.CloseInternalServerErr, service.MessageOf(err)
		h.logger.Warn("job progress stream stopped", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(time.Second))
}
