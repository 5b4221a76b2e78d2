// Package report stores patient analysis reports and renders them as PDF.
package report

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/MeKo-Tech/medvision/internal/artifact"
	"github.com/MeKo-Tech/medvision/internal/inference"
)

// Report statuses.
const (
	StatusPending  = "pending"
	StatusReviewed = "reviewed"
)

// Repository backends accepted by Open.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

var (
	// ErrNotFound is returned when no report has the requested ID.
	ErrNotFound = errors.New("report not found")
	// ErrDuplicate is returned when a report ID already exists.
	ErrDuplicate = errors.New("report already exists")
)

// Classification is the classifier output recorded on a report.
type Classification struct {
	Label         string             `json:"label"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// Report is one analyzed scan for one patient.
type Report struct {
	ID             string         `json:"id"`
	PatientID      string         `json:"patient_id"`
	PatientName    string         `json:"patient_name"`
	PatientEmail   string         `json:"patient_email,omitempty"`
	PatientAge     int            `json:"patient_age,omitempty"`
	PatientGender  string         `json:"patient_gender,omitempty"`
	ContactNumber  string         `json:"contact_number,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Classification Classification `json:"classification"`
	AnalysisID     string         `json:"analysis_id"`
	OverlayKey     string         `json:"overlay_key,omitempty"`
	Coverage       float64        `json:"coverage"`
	Status         string         `json:"status"`
	DoctorNotes    string         `json:"doctor_notes,omitempty"`
}

// Clone returns a deep copy.
func (r *Report) Clone() *Report {
	c := *r
	c.Classification.Probabilities = maps.Clone(r.Classification.Probabilities)
	return &c
}

// Filter narrows List results. Zero fields match everything; Limit 0 means
// no limit.
type Filter struct {
	PatientID string
	Status    string
	Limit     int
	Offset    int
}

// Repository persists reports.
type Repository interface {
	Create(ctx context.Context, r *Report) error
	Get(ctx context.Context, id string) (*Report, error)
	List(ctx context.Context, f Filter) ([]*Report, error)
	Update(ctx context.Context, r *Report) error
	Close() error
}

// Config selects a repository backend.
type Config struct {
	Backend string
	DSN     string
}

// Open builds the configured repository. The Postgres backend creates its
// schema on first use.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		return NewMemoryRepository(), nil
	case BackendPostgres:
		repo, err := NewPostgresRepository(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = repo.Close()
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown report backend: %s", cfg.Backend)
	}
}

// FromAnalysis builds a pending report for a completed analysis.
func FromAnalysis(req CreateRequest, a *inference.Analysis, now time.Time) *Report {
	now = now.UTC()
	r := &Report{
		ID:            artifact.NewKeyAt(now),
		PatientID:     strings.TrimSpace(req.PatientID),
		PatientName:   strings.TrimSpace(req.PatientName),
		PatientEmail:  strings.TrimSpace(req.PatientEmail),
		PatientAge:    req.PatientAge,
		PatientGender: req.PatientGender,
		ContactNumber: strings.TrimSpace(req.ContactNumber),
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        StatusPending,
	}
	if a != nil {
		r.AnalysisID = a.ID
		r.OverlayKey = a.Segmentation.OverlayKey
		r.Coverage = a.Segmentation.Coverage
		if a.Classification != nil {
			r.Classification = Classification{
				Label:         a.Classification.Label,
				Confidence:    a.Classification.Confidence,
				Probabilities: maps.Clone(a.Classification.Probabilities),
			}
		}
	}
	return r
}

// Apply merges an update into r. Adding doctor notes without an explicit
// status marks the report reviewed.
func (r *Report) Apply(req UpdateRequest, now time.Time) {
	if req.DoctorNotes != nil {
		r.DoctorNotes = *req.DoctorNotes
		if req.Status == nil {
			r.Status = StatusReviewed
		}
	}
	if req.Status != nil {
		r.Status = *req.Status
	}
	r.UpdatedAt = now.UTC()
}
