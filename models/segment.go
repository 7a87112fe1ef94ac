package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

const (
	SegmentStatusPending      = "pending"       // no script yet
	SegmentStatusScriptReady  = "script_ready"  // script and prompt ready, waiting for a video
	SegmentStatusWaitingVideo = "waiting_video" // video uploaded, waiting for analysis
	SegmentStatusAnalyzing    = "analyzing"     // last frame being analyzed
	SegmentStatusCompleted    = "completed"     // analyzed, canon advanced
	SegmentStatusFailed       = "failed"        // backend failure, retryable
)

type Segment struct {
	ID               uint       `gorm:"primaryKey" json:"-"`
	ProjectID        string     `gorm:"type:varchar(64);uniqueIndex:idx_segment_project_index" json:"project_id"`
	Index            int        `gorm:"column:seg_index;uniqueIndex:idx_segment_project_index" json:"index"`
	SegmentScript    string     `gorm:"type:text" json:"segment_script"`
	VideoPrompt      string     `gorm:"type:text" json:"video_prompt"`
	Status           string     `gorm:"type:varchar(32)" json:"status"`
	VideoKey         *string    `gorm:"type:varchar(512)" json:"video_key"`
	FrameKey         *string    `gorm:"type:varchar(512)" json:"frame_key"`
	VideoDescription *string    `gorm:"type:text" json:"video_description"`
	Warnings         StringList `gorm:"type:json" json:"warnings"`
	Error            string     `gorm:"type:text" json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (Segment) TableName() string {
	return "segment"
}

func (s *Segment) HasScript() bool {
	return !isBlank(s.SegmentScript) || !isBlank(s.VideoPrompt)
}

func (s *Segment) HasVideo() bool {
	return s.VideoKey != nil && *s.VideoKey != ""
}

func (s *Segment) HasFrame() bool {
	return s.FrameKey != nil && *s.FrameKey != ""
}

func (s *Segment) HasAnalysis() bool {
	return s.VideoDescription != nil && !isBlank(*s.VideoDescription)
}

// StringList is a JSON-encoded list of strings (segment warnings).
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

func BatchCreateSegments(db *gorm.DB, segs []Segment) error {
	if len(segs) == 0 {
		return nil
	}
	return db.Create(&segs).Error
}

// GetSegments returns every segment of the project ordered by index.
func GetSegments(db *gorm.DB, projectID string) ([]Segment, error) {
	var segs []Segment
	err := db.Where("project_id = ?", projectID).Order("seg_index ASC").Find(&segs).Error
	return segs, err
}

func GetSegment(db *gorm.DB, projectID string, index int) (*Segment, error) {
	var s Segment
	if err := db.First(&s, "project_id = ? AND seg_index = ?", projectID, index).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// SaveSegments writes every field of the given segments.
func SaveSegments(db *gorm.DB, segs ...*Segment) error {
	now := time.Now()
	for _, s := range segs {
		s.UpdatedAt = now
		if err := db.Save(s).Error; err != nil {
			return err
		}
	}
	return nil
}

// UpdateSegmentStatus sets status (and the last error text) without touching other fields.
func UpdateSegmentStatus(db *gorm.DB, projectID string, index int, status, errMsg string) error {
	return db.Model(&Segment{}).
		Where("project_id = ? AND seg_index = ?", projectID, index).
		Updates(map[string]interface{}{
			"status":     status,
			"error":      errMsg,
			"updated_at": time.Now(),
		}).Error
}

// SetSegmentError records the last error text, leaving status alone.
func SetSegmentError(db *gorm.DB, projectID string, index int, errMsg string) error {
	return db.Model(&Segment{}).
		Where("project_id = ? AND seg_index = ?", projectID, index).
		Updates(map[string]interface{}{
			"error":      errMsg,
			"updated_at": time.Now(),
		}).Error
}
