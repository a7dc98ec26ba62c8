package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/jnaulty/livecd-tools/pkg/errors"
)

// Repository provides database operations for runs
type Repository struct {
	db *sql.DB
}

// NewRepository opens (and if needed initializes) the registry at dbPath.
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create schema")
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new run record
func (r *Repository) Create(run *Run) error {
	slog.Info("database_create_run", "image", run.Image, "status", run.Status)

	query := `
		INSERT INTO runs (image, sha256, status, artifact_path, original_size, minimal_size, cow_used, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		run.Image, run.SHA256, run.Status,
		run.ArtifactPath, run.OriginalSize, run.MinimalSize, run.CowUsed, run.ErrorMessage)
	if err != nil {
		return errors.Wrap(err, "failed to insert run")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	run.ID = id
	return nil
}

// GetByImage retrieves a run by source image key. Returns nil when no run
// exists for the image.
func (r *Repository) GetByImage(image string) (*Run, error) {
	query := `
		SELECT id, image, sha256, status,
		       artifact_path, original_size, minimal_size, cow_used, error_message, created_at, updated_at
		FROM runs WHERE image = ?
	`
	var run Run
	var artifactPath, errorMessage sql.NullString
	var originalSize, minimalSize, cowUsed sql.NullInt64

	err := r.db.QueryRow(query, image).Scan(
		&run.ID, &run.Image, &run.SHA256, &run.Status,
		&artifactPath, &originalSize, &minimalSize, &cowUsed, &errorMessage,
		&run.CreatedAt, &run.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query run")
	}

	run.ArtifactPath = artifactPath.String
	run.OriginalSize = originalSize.Int64
	run.MinimalSize = minimalSize.Int64
	run.CowUsed = cowUsed.Int64
	run.ErrorMessage = errorMessage.String
	return &run, nil
}

// Update updates an existing run record
func (r *Repository) Update(run *Run) error {
	slog.Info("database_update_run", "run_id", run.ID, "image", run.Image, "status", run.Status)

	query := `
		UPDATE runs
		SET sha256 = ?, status = ?,
		    artifact_path = ?, original_size = ?, minimal_size = ?, cow_used = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		run.SHA256, run.Status,
		run.ArtifactPath, run.OriginalSize, run.MinimalSize, run.CowUsed, run.ErrorMessage, run.ID)
	if err != nil {
		return errors.Wrap(err, "failed to update run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("run not found: id=%d", run.ID)
	}
	return nil
}

// UpdateStatus updates only the status and error message fields
func (r *Repository) UpdateStatus(id int64, status, errorMessage string) error {
	slog.Info("database_update_status", "run_id", id, "status", status)

	query := `UPDATE runs SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, status, errorMessage, id); err != nil {
		return errors.Wrap(err, "failed to update status")
	}
	return nil
}

// List retrieves all runs, newest first
func (r *Repository) List() ([]*Run, error) {
	query := `
		SELECT id, image, sha256, status,
		       artifact_path, original_size, minimal_size, cow_used, error_message, created_at, updated_at
		FROM runs ORDER BY created_at DESC
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		var artifactPath, errorMessage sql.NullString
		var originalSize, minimalSize, cowUsed sql.NullInt64

		err := rows.Scan(
			&run.ID, &run.Image, &run.SHA256, &run.Status,
			&artifactPath, &originalSize, &minimalSize, &cowUsed, &errorMessage,
			&run.CreatedAt, &run.UpdatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}

		run.ArtifactPath = artifactPath.String
		run.OriginalSize = originalSize.Int64
		run.MinimalSize = minimalSize.Int64
		run.CowUsed = cowUsed.Int64
		run.ErrorMessage = errorMessage.String
		runs = append(runs, &run)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return runs, nil
}

// Delete deletes a run by ID
func (r *Repository) Delete(id int64) error {
	slog.Info("database_delete_run", "run_id", id)

	if _, err := r.db.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return errors.Wrap(err, "failed to delete run")
	}
	return nil
}
