package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RemoteWorker delegates assembly to an external render worker: a POST to
// /v1/generate returns a job id, then GET /v1/jobs/{id} is polled until the
// job settles and its resource_url is downloaded.
type RemoteWorker struct {
	Addr         string
	PollInterval time.Duration
	HTTP         *http.Client
	Logger       *slog.Logger
}

func NewRemoteWorker(addr string, pollInterval time.Duration, logger *slog.Logger) *RemoteWorker {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteWorker{
		Addr:         strings.TrimRight(addr, "/"),
		PollInterval: pollInterval,
		HTTP:         &http.Client{Timeout: 30 * time.Second},
		Logger:       logger,
	}
}

type workerRequest struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters"`
}

type workerJob struct {
	ID       string `json:"id"`
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Error    string `json:"error"`
	Result   struct {
		ResourceURL string `json:"resource_url"`
	} `json:"result"`
}

func (w *RemoteWorker) Assemble(ctx context.Context, req AssembleRequest) error {
	urls := make([]string, 0, len(req.Clips))
	for i, c := range req.Clips {
		if c.URL == "" {
			return fmt.Errorf("remote assemble: clip %d has no shareable url", i)
		}
		urls = append(urls, c.URL)
	}
	jobID, err := w.dispatch(ctx, workerRequest{
		ID:         req.ProjectID + "-assemble",
		ProjectID:  req.ProjectID,
		Type:       "assemble",
		Parameters: map[string]any{"clips": urls, "format": "mp4"},
	})
	if err != nil {
		return err
	}
	w.Logger.Info("remote assemble dispatched", slog.String("project_id", req.ProjectID), slog.String("worker_job_id", jobID))

	resourceURL, err := w.poll(ctx, jobID)
	if err != nil {
		return err
	}
	return w.download(ctx, resourceURL, req.OutputPath)
}

func (w *RemoteWorker) dispatch(ctx context.Context, body workerRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal worker request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Addr+"/v1/generate", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.HTTP.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("worker request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	default:
		return "", fmt.Errorf("worker status code: %d", resp.StatusCode)
	}

	var job workerJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return "", fmt.Errorf("decode worker response: %w", err)
	}
	if job.ID != "" {
		return job.ID, nil
	}
	if job.JobID != "" {
		return job.JobID, nil
	}
	return "", fmt.Errorf("%w: worker response missing id", ErrInvalidOutput)
}

func (w *RemoteWorker) poll(ctx context.Context, jobID string) (string, error) {
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", w.Addr, jobID)
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("polling worker job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}

		job, err := w.fetch(ctx, jobURL)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			// Transient network errors are retried on the next tick.
			w.Logger.Warn("worker poll failed", slog.String("worker_job_id", jobID), slog.String("error", err.Error()))
			continue
		}
		switch strings.ToLower(job.Status) {
		case "success", "succeeded", "completed", "finished":
			if job.Result.ResourceURL == "" {
				return "", fmt.Errorf("%w: worker result missing resource_url", ErrInvalidOutput)
			}
			return job.Result.ResourceURL, nil
		case "failed", "error", "canceled", "cancelled":
			msg := job.Error
			if msg == "" {
				msg = job.Message
			}
			return "", fmt.Errorf("worker reported failure: %s", msg)
		}
	}
}

func (w *RemoteWorker) fetch(ctx context.Context, jobURL string) (*workerJob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker status code: %d", resp.StatusCode)
	}
	var job workerJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decode worker job: %w", err)
	}
	return &job, nil
}

func (w *RemoteWorker) download(ctx context.Context, sourceURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return err
	}
	// The result can be large; only the context bounds the transfer.
	client := &http.Client{Transport: w.HTTP.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download result status: %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download result: %w", err)
	}
	if n == 0 {
		return errors.Join(ErrEmptyOutput, errors.New("downloaded result is empty"))
	}
	return nil
}
