package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Job statuses and types.
const (
	// queued: submitted, waiting for an executor to pick it up
	JobStatusQueued  = "queued"
	JobStatusRunning = "running"
	// terminal
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	// canceled: withdrawn by the caller while still queued
	JobStatusCanceled = "canceled"

	JobTypeFullScript      = "full_script"      // prompt -> full script
	JobTypeSegmentGenerate = "segment_generate" // full script + canon -> segment script and video prompt
	JobTypeExtractFrame    = "extract_frame"    // segment video -> last frame
	JobTypeAnalyze         = "analyze"          // last frame -> description + canon
	JobTypeAssemble        = "assemble"         // all segments -> final video
)

// IsTerminalJobStatus reports whether status is one a job never leaves.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

type Job struct {
	ID            string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID     string        `gorm:"type:varchar(64);index" json:"project_id"`
	Type          string        `gorm:"type:varchar(32)" json:"type"`
	SegmentIndex  *int          `gorm:"column:seg_index" json:"index,omitempty"`
	Status        string        `gorm:"type:varchar(16);index" json:"status"`
	Progress      int           `json:"progress"`
	Message       string        `gorm:"type:text" json:"message"`
	MessageKey    string        `gorm:"type:varchar(128)" json:"message_key"`
	MessageParams MessageParams `gorm:"type:json" json:"message_params,omitempty"`
	Parameters    JobParameters `gorm:"type:json" json:"parameters"`
	Result        JobResult     `gorm:"type:json" json:"result"`
	Error         string        `gorm:"type:text" json:"error,omitempty"`
	ErrorCode     string        `gorm:"type:varchar(32)" json:"error_code,omitempty"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (Job) TableName() string {
	return "job"
}

func (j *Job) IsTerminal() bool {
	return IsTerminalJobStatus(j.Status)
}

type JobParameters struct {
	Feedback             string `json:"feedback,omitempty"`
	Locale               string `json:"locale,omitempty"`
	InvalidateDownstream bool   `json:"invalidate_downstream"`
}

// JobResult only locates what a job produced; the content lives on the project.
type JobResult struct {
	Index            *int     `json:"index,omitempty"`
	FullScriptLength int      `json:"full_script_length,omitempty"`
	FrameKey         string   `json:"frame_key,omitempty"`
	FinalVideoKey    string   `json:"final_video_key,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

// MessageParams are the interpolation values for a localizable message key.
type MessageParams map[string]string

func (p JobParameters) Value() (driver.Value, error) {
	return marshalJSON(p)
}

func (p *JobParameters) Scan(value interface{}) error {
	return scanJSON(value, p)
}

func (r JobResult) Value() (driver.Value, error) {
	return marshalJSON(r)
}

func (r *JobResult) Scan(value interface{}) error {
	return scanJSON(value, r)
}

func (m MessageParams) Value() (driver.Value, error) {
	if m == nil {
		m = MessageParams{}
	}
	return marshalJSON(m)
}

func (m *MessageParams) Scan(value interface{}) error {
	return scanJSON(value, m)
}

func CreateJob(db *gorm.DB, j *Job) error {
	now := time.Now()
	j.CreatedAt = now
	j.UpdatedAt = now
	return db.Create(j).Error
}

// GetJob looks the job up within its project.
func GetJob(db *gorm.DB, projectID, jobID string) (*Job, error) {
	var j Job
	if err := db.First(&j, "id = ? AND project_id = ?", jobID, projectID).Error; err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

func GetJobByID(db *gorm.DB, jobID string) (*Job, error) {
	var j Job
	if err := db.First(&j, "id = ?", jobID).Error; err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

// ListJobs returns the newest jobs of a project.
func ListJobs(db *gorm.DB, projectID string, limit int) ([]Job, error) {
	var jobs []Job
	err := db.Where("project_id = ?", projectID).Order("created_at DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

func ListJobsByStatus(db *gorm.DB, status string) ([]Job, error) {
	var jobs []Job
	err := db.Where("status = ?", status).Order("created_at ASC").Find(&jobs).Error
	return jobs, err
}

// MarkRunning moves a queued job to running. It reports false when the job
// was no longer queued (already picked up, or canceled).
func MarkRunning(db *gorm.DB, jobID string) (bool, error) {
	now := time.Now()
	res := db.Model(&Job{}).
		Where("id = ? AND status = ?", jobID, JobStatusQueued).
		Updates(map[string]interface{}{
			"status":      JobStatusRunning,
			"progress":    1,
			"message":     "running",
			"message_key": "jobmsg.running",
			"started_at":  now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateJobProgress records an intermediate milestone of a running job.
func UpdateJobProgress(db *gorm.DB, jobID string, progress int, message, key string, params MessageParams) error {
	return db.Model(&Job{}).
		Where("id = ? AND status = ?", jobID, JobStatusRunning).
		Updates(map[string]interface{}{
			"progress":       progress,
			"message":        message,
			"message_key":    key,
			"message_params": params,
			"updated_at":     time.Now(),
		}).Error
}

// FinishJob writes a terminal state. Only non-terminal jobs are updated.
func FinishJob(db *gorm.DB, j *Job) error {
	now := time.Now()
	j.FinishedAt = &now
	j.UpdatedAt = now
	return db.Model(&Job{}).
		Where("id = ? AND status IN ?", j.ID, []string{JobStatusQueued, JobStatusRunning}).
		Updates(map[string]interface{}{
			"status":         j.Status,
			"progress":       j.Progress,
			"message":        j.Message,
			"message_key":    j.MessageKey,
			"message_params": j.MessageParams,
			"result":         j.Result,
			"error":          j.Error,
			"error_code":     j.ErrorCode,
			"finished_at":    now,
			"updated_at":     now,
		}).Error
}

func marshalJSON(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// CancelQueuedJob moves a job that is still queued to canceled. It reports
// false when the job had already left the queue.
func CancelQueuedJob(db *gorm.DB, jobID string) (bool, error) {
	now := time.Now()
	res := db.Model(&Job{}).
		Where("id = ? AND status = ?", jobID, JobStatusQueued).
		Updates(map[string]interface{}{
			"status":      JobStatusCanceled,
			"message":     "canceled",
			"message_key": "jobmsg.canceled",
			"finished_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
