package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Pacing is fixed at creation.
const (
	PacingNormal = "normal"
	PacingSlow   = "slow"
	PacingUrgent = "urgent"
)

const DefaultSegmentDuration = 15

// ErrSlotBusy means the project already has a non-terminal job.
var ErrSlotBusy = errors.New("project has an active job")

type Project struct {
	ID                   string      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OwnerID              string      `gorm:"type:varchar(128);index" json:"owner_id,omitempty"`
	UserPrompt           string      `gorm:"type:text" json:"user_prompt"`
	Pacing               string      `gorm:"type:varchar(16)" json:"pacing"`
	TotalDurationSeconds int         `json:"total_duration_seconds"`
	SegmentDuration      int         `json:"segment_duration"`
	FullScript           *string     `gorm:"type:text" json:"full_script"`
	Canon                CanonWindow `gorm:"type:json" json:"canon"`
	CurrentSegmentIndex  int         `json:"current_segment_index"`
	FinalVideoKey        *string     `gorm:"type:varchar(512)" json:"final_video_key"`
	ActiveJobID          *string     `gorm:"type:varchar(64);index" json:"active_job_id"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

func (Project) TableName() string {
	return "project"
}

// HasFullScript reports whether a non-blank full script is stored.
func (p *Project) HasFullScript() bool {
	return p.FullScript != nil && !isBlank(*p.FullScript)
}

// CanonEntry is one continuity summary, tagged with the segment it came from.
type CanonEntry struct {
	Index   int    `json:"index"`
	Summary string `json:"summary"`
}

// CanonWindow is the ordered list of recent continuity summaries, oldest first.
type CanonWindow []CanonEntry

func (w CanonWindow) Value() (driver.Value, error) {
	if w == nil {
		w = CanonWindow{}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (w *CanonWindow) Scan(value interface{}) error {
	return scanJSON(value, w)
}

// CreateProject inserts the project together with its pending segments.
func CreateProject(db *gorm.DB, p *Project, numSegments int) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if numSegments == 0 {
			return nil
		}
		segs := make([]Segment, numSegments)
		for i := range segs {
			segs[i] = Segment{
				ProjectID: p.ID,
				Index:     i,
				Status:    SegmentStatusPending,
				CreatedAt: now,
				UpdatedAt: now,
			}
		}
		if err := BatchCreateSegments(tx, segs); err != nil {
			return fmt.Errorf("insert segments: %w", err)
		}
		return nil
	})
}

func GetProject(db *gorm.DB, id string) (*Project, error) {
	var p Project
	if err := db.First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// ListProjects returns the projects visible to ownerID, newest first.
func ListProjects(db *gorm.DB, ownerID string) ([]Project, error) {
	var projects []Project
	err := db.Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&projects).Error
	return projects, err
}

// SaveProjectState writes the mutable workflow fields. The single-flight slot is
// never written here; it only moves through ClaimSlot and ReleaseSlot.
func SaveProjectState(db *gorm.DB, p *Project) error {
	p.UpdatedAt = time.Now()
	return db.Model(&Project{}).Where("id = ?", p.ID).Updates(map[string]interface{}{
		"full_script":           p.FullScript,
		"canon":                 p.Canon,
		"current_segment_index": p.CurrentSegmentIndex,
		"final_video_key":       p.FinalVideoKey,
		"updated_at":            p.UpdatedAt,
	}).Error
}

// ClaimSlot atomically records jobID as the project's active job. It returns
// ErrSlotBusy when another job holds the slot and ErrNotFound when the project is missing.
func ClaimSlot(db *gorm.DB, projectID, jobID string) error {
	res := db.Model(&Project{}).
		Where("id = ? AND active_job_id IS NULL", projectID).
		Updates(map[string]interface{}{"active_job_id": jobID, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := GetProject(db, projectID); err != nil {
		return err
	}
	return ErrSlotBusy
}

// ReleaseSlot clears the slot if jobID still holds it.
func ReleaseSlot(db *gorm.DB, projectID, jobID string) error {
	return db.Model(&Project{}).
		Where("id = ? AND active_job_id = ?", projectID, jobID).
		Update("active_job_id", nil).Error
}

// LockIdle takes the project row for a direct edit. Inside a transaction the
// no-op update holds the row lock until commit, so a concurrent ClaimSlot waits.
// It returns ErrSlotBusy while a job is active.
func LockIdle(tx *gorm.DB, projectID string) error {
	res := tx.Model(&Project{}).
		Where("id = ? AND active_job_id IS NULL", projectID).
		Update("updated_at", time.Now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	// MySQL reports zero affected rows when the timestamp did not change.
	p, err := GetProject(tx, projectID)
	if err != nil {
		return err
	}
	if p.ActiveJobID != nil {
		return ErrSlotBusy
	}
	return nil
}

func scanJSON(value interface{}, dst interface{}) error {
	if value == nil {
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("failed to unmarshal JSON value: %v", value)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

func isBlank(s string) bool {
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			return false
		}
	}
	return true
}
