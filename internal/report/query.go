package report

const (
	querySchema = `
		CREATE TABLE IF NOT EXISTS reports (
			id              TEXT PRIMARY KEY,
			patient_id      TEXT NOT NULL,
			patient_name    TEXT NOT NULL,
			patient_email   TEXT NOT NULL DEFAULT '',
			patient_age     INTEGER NOT NULL DEFAULT 0,
			patient_gender  TEXT NOT NULL DEFAULT '',
			contact_number  TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL,
			label           TEXT NOT NULL,
			confidence      DOUBLE PRECISION NOT NULL,
			probabilities   JSONB NOT NULL DEFAULT '{}',
			analysis_id     TEXT NOT NULL,
			overlay_key     TEXT NOT NULL DEFAULT '',
			coverage        DOUBLE PRECISION NOT NULL DEFAULT 0,
			status          TEXT NOT NULL,
			doctor_notes    TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS reports_patient_id_idx ON reports (patient_id, created_at DESC);
	`

	queryCreateReport = `
		INSERT INTO reports (
			id,
			patient_id,
			patient_name,
			patient_email,
			patient_age,
			patient_gender,
			contact_number,
			created_at,
			updated_at,
			label,
			confidence,
			probabilities,
			analysis_id,
			overlay_key,
			coverage,
			status,
			doctor_notes
		) VALUES (
			:id,
			:patient_id,
			:patient_name,
			:patient_email,
			:patient_age,
			:patient_gender,
			:contact_number,
			:created_at,
			:updated_at,
			:label,
			:confidence,
			:probabilities,
			:analysis_id,
			:overlay_key,
			:coverage,
			:status,
			:doctor_notes
		)
	`

	selectReportColumns = `
		SELECT
			id,
			patient_id,
			patient_name,
			patient_email,
			patient_age,
			patient_gender,
			contact_number,
			created_at,
			updated_at,
			label,
			confidence,
			probabilities,
			analysis_id,
			overlay_key,
			coverage,
			status,
			doctor_notes
		FROM reports
	`

	queryGetReportByID = selectReportColumns + `
		WHERE id = :id
	`

	queryListReports = selectReportColumns + `
		WHERE (CAST(:patient_id AS TEXT) = '' OR patient_id = :patient_id)
		  AND (CAST(:status AS TEXT) = '' OR status = :status)
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF(CAST(:limit AS INTEGER), 0) OFFSET :offset
	`

	queryUpdateReport = `
		UPDATE reports SET
			status = :status,
			doctor_notes = :doctor_notes,
			updated_at = :updated_at
		WHERE id = :id
	`
)
