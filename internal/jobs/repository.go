package jobs

import (
	"context"
	"database/sql"
	"time"
)

type Repository interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
	UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error
	UpdateJobMedia(ctx context.Context, id, title string, durationSeconds float64) error
	UpdateJobStrategy(ctx context.Context, id, strategy string) error
	UpdateJobAnswer(ctx context.Context, id, answerPath string) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) CreateJob(ctx context.Context, j *Job) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, source_uri, question, title, duration_seconds, strategy, status, error, answer_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.SourceURI, nullString(j.Question), nullString(j.Title), j.DurationS, nullString(j.Strategy),
		j.Status, nullString(j.Error), nullString(j.AnswerPath),
		j.CreatedAt.Format(time.RFC3339), j.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, source_uri, question, title, duration_seconds, strategy, status, error, answer_path, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	return scanJob(row)
}

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var question, title, strategy, errMsg, answerPath sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&j.ID, &j.SourceURI, &question, &title, &j.DurationS, &strategy,
		&j.Status, &errMsg, &answerPath, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	j.Question = question.String
	j.Title = title.String
	j.Strategy = strategy.String
	j.Error = errMsg.String
	j.AnswerPath = answerPath.String
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &j, nil
}

func (r *SQLiteRepository) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source_uri, question, title, duration_seconds, strategy, status, error, answer_path, created_at, updated_at
		FROM jobs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		var j Job
		var question, title, strategy, errMsg, answerPath sql.NullString
		var createdAt, updatedAt string

		if err := rows.Scan(&j.ID, &j.SourceURI, &question, &title, &j.DurationS, &strategy,
			&j.Status, &errMsg, &answerPath, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		j.Question = question.String
		j.Title = title.String
		j.Strategy = strategy.String
		j.Error = errMsg.String
		j.AnswerPath = answerPath.String
		j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, &j)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errorMsg), now(), id)
	return err
}

func (r *SQLiteRepository) UpdateJobMedia(ctx context.Context, id, title string, durationSeconds float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET title = ?, duration_seconds = ?, updated_at = ? WHERE id = ?
	`, nullString(title), durationSeconds, now(), id)
	return err
}

func (r *SQLiteRepository) UpdateJobStrategy(ctx context.Context, id, strategy string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET strategy = ?, updated_at = ? WHERE id = ?
	`, strategy, now(), id)
	return err
}

func (r *SQLiteRepository) UpdateJobAnswer(ctx context.Context, id, answerPath string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET answer_path = ?, updated_at = ? WHERE id = ?
	`, answerPath, now(), id)
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
