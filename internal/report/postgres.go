package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresRepository stores reports in PostgreSQL.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository connects to dsn and pings the server.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPostgresRepositoryWithDB(db), nil
}

// NewPostgresRepositoryWithDB wraps an existing connection pool.
func NewPostgresRepositoryWithDB(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the reports table and index when missing.
func (p *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, querySchema); err != nil {
		return fmt.Errorf("failed to create reports schema: %w", err)
	}
	return nil
}

// reportRow is the database shape of a Report. Probabilities travel as JSON
// text so pq does not send them as bytea.
type reportRow struct {
	ID            string    `db:"id"`
	PatientID     string    `db:"patient_id"`
	PatientName   string    `db:"patient_name"`
	PatientEmail  string    `db:"patient_email"`
	PatientAge    int       `db:"patient_age"`
	PatientGender string    `db:"patient_gender"`
	ContactNumber string    `db:"contact_number"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
	Label         string    `db:"label"`
	Confidence    float64   `db:"confidence"`
	Probabilities string    `db:"probabilities"`
	AnalysisID    string    `db:"analysis_id"`
	OverlayKey    string    `db:"overlay_key"`
	Coverage      float64   `db:"coverage"`
	Status        string    `db:"status"`
	DoctorNotes   string    `db:"doctor_notes"`
}

func toRow(r *Report) (reportRow, error) {
	probs := r.Classification.Probabilities
	if probs == nil {
		probs = map[string]float64{}
	}
	data, err := json.Marshal(probs)
	if err != nil {
		return reportRow{}, fmt.Errorf("failed to encode probabilities: %w", err)
	}
	return reportRow{
		ID:            r.ID,
		PatientID:     r.PatientID,
		PatientName:   r.PatientName,
		PatientEmail:  r.PatientEmail,
		PatientAge:    r.PatientAge,
		PatientGender: r.PatientGender,
		ContactNumber: r.ContactNumber,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Label:         r.Classification.Label,
		Confidence:    r.Classification.Confidence,
		Probabilities: string(data),
		AnalysisID:    r.AnalysisID,
		OverlayKey:    r.OverlayKey,
		Coverage:      r.Coverage,
		Status:        r.Status,
		DoctorNotes:   r.DoctorNotes,
	}, nil
}

func (row reportRow) toReport() (*Report, error) {
	var probs map[string]float64
	if len(row.Probabilities) > 0 {
		if err := json.Unmarshal([]byte(row.Probabilities), &probs); err != nil {
			return nil, fmt.Errorf("failed to decode probabilities for report %s: %w", row.ID, err)
		}
	}
	return &Report{
		ID:            row.ID,
		PatientID:     row.PatientID,
		PatientName:   row.PatientName,
		PatientEmail:  row.PatientEmail,
		PatientAge:    row.PatientAge,
		PatientGender: row.PatientGender,
		ContactNumber: row.ContactNumber,
		CreatedAt:     row.CreatedAt.UTC(),
		UpdatedAt:     row.UpdatedAt.UTC(),
		Classification: Classification{
			Label:         row.Label,
			Confidence:    row.Confidence,
			Probabilities: probs,
		},
		AnalysisID:  row.AnalysisID,
		OverlayKey:  row.OverlayKey,
		Coverage:    row.Coverage,
		Status:      row.Status,
		DoctorNotes: row.DoctorNotes,
	}, nil
}

func (p *PostgresRepository) Create(ctx context.Context, r *Report) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}
	query, args, err := sqlx.Named(queryCreateReport, row)
	if err != nil {
		return fmt.Errorf("failed to build create query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, p.db.Rebind(query), args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		slog.Error("Database error when creating report", "id", r.ID, "error", err)
		return fmt.Errorf("failed to create report: %w", err)
	}
	return nil
}

func (p *PostgresRepository) Get(ctx context.Context, id string) (*Report, error) {
	query, args, err := sqlx.Named(queryGetReportByID, map[string]interface{}{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to build get query: %w", err)
	}
	var row reportRow
	if err := p.db.QueryRowxContext(ctx, p.db.Rebind(query), args...).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get report %s: %w", id, err)
	}
	return row.toReport()
}

func (p *PostgresRepository) List(ctx context.Context, f Filter) ([]*Report, error) {
	argsKV := map[string]interface{}{
		"patient_id": f.PatientID,
		"status":     f.Status,
		"limit":      max(f.Limit, 0),
		"offset":     max(f.Offset, 0),
	}
	query, args, err := sqlx.Named(queryListReports, argsKV)
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}
	var rows []reportRow
	if err := p.db.SelectContext(ctx, &rows, p.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	out := make([]*Report, 0, len(rows))
	for _, row := range rows {
		r, err := row.toReport()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Update persists the mutable review fields: status, notes and updated_at.
func (p *PostgresRepository) Update(ctx context.Context, r *Report) error {
	argsKV := map[string]interface{}{
		"id":           r.ID,
		"status":       r.Status,
		"doctor_notes": r.DoctorNotes,
		"updated_at":   r.UpdatedAt,
	}
	query, args, err := sqlx.Named(queryUpdateReport, argsKV)
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}
	res, err := p.db.ExecContext(ctx, p.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update report %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update report %s: %w", r.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresRepository) Close() error { return p.db.Close() }
