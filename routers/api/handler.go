package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"AutoSedance-server/service"
)

// UserHeader carries the acting user. Requests without it act as the
// anonymous user and only see unowned projects.
const UserHeader = "X-User-ID"

const userKey = "user_id"

type Handler struct {
	projects *service.ProjectService
	jobs     *service.Orchestrator
	poller   *service.Poller
	logger   *slog.Logger
}

func NewHandler(projects *service.ProjectService, jobs *service.Orchestrator, poller *service.Poller, logger *slog.Logger) *Handler {
	return &Handler{projects: projects, jobs: jobs, poller: poller, logger: logger}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ActingUser stores the X-User-ID header in the context.
func ActingUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(userKey, strings.TrimSpace(c.GetHeader(UserHeader)))
		c.Next()
	}
}

func actingUser(c *gin.Context) string {
	return c.GetString(userKey)
}

// RequestLogger logs one line per request through slog.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	}
}

// StatusOf maps an error code to its HTTP status.
func StatusOf(code service.Code) int {
	switch code {
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeConflict:
		return http.StatusConflict
	case service.CodePreconditionFailed:
		return http.StatusPreconditionFailed
	case service.CodeValidation:
		return http.StatusBadRequest
	case service.CodeUploadTooLarge:
		return http.StatusRequestEntityTooLarge
	case service.CodeBackendFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := service.CodeOf(err, service.CodeStorageFailure)
	status := StatusOf(code)
	body := gin.H{"error": service.MessageOf(err), "code": code}

	var svcErr *service.Error
	if errors.As(err, &svcErr) && svcErr.ActiveJobID != "" {
		body["active_job_id"] = svcErr.ActiveJobID
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": service.CodeValidation})
}

func segmentIndex(c *gin.Context) (int, bool) {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "index must be an integer", "code": service.CodeValidation})
		return 0, false
	}
	return idx, true
}

// queryBool reads a boolean query flag, defaulting to def when absent.
func queryBool(c *gin.Context, name string, def bool) (bool, error) {
	v, ok := c.GetQuery(name)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.New(name + " must be a boolean")
	}
	return b, nil
}
