package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/meshoverlay/internal/pipeline"
)

var _ pipeline.JobRecorder = (*DB)(nil)

// RecordJob upserts the terminal snapshot of job, including its result
// summary. Per-frame outcomes are stored separately.
func (db *DB) RecordJob(ctx context.Context, job pipeline.Job) error {
	var resultJSON sql.NullString
	if job.Result != nil {
		b, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("failed to encode result for job %s: %w", job.ID, err)
		}
		resultJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO jobs (
			job_id, status, video_path, created_at, started_at, completed_at,
			total_frames, frames_completed, output_path, error, error_kind, result_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status           = excluded.status,
			started_at       = excluded.started_at,
			completed_at     = excluded.completed_at,
			total_frames     = excluded.total_frames,
			frames_completed = excluded.frames_completed,
			output_path      = excluded.output_path,
			error            = excluded.error,
			error_kind       = excluded.error_kind,
			result_json      = excluded.result_json`,
		job.ID, string(job.Status), job.VideoPath, job.CreatedAt.UnixNano(),
		nullTime(job.StartedAt), nullTime(job.CompletedAt),
		job.TotalFrames, job.FramesCompleted, job.OutputPath,
		job.Error, string(job.ErrorKind), resultJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", job.ID, err)
	}
	return nil
}

// RecordFrameOutcomes replaces the stored outcomes for jobID in a single
// transaction. The job row must already exist.
func (db *DB) RecordFrameOutcomes(ctx context.Context, jobID string, frames []pipeline.FrameOutcome) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM frame_outcomes WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to clear outcomes for job %s: %w", jobID, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO frame_outcomes (
			job_id, frame_index, pose_success, rendered, reason, pose_ms,
			worker_id, confidence, scale_substituted, box_normalized
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range frames {
		if _, err := stmt.ExecContext(ctx,
			jobID, f.FrameIndex, f.PoseSuccess, f.Rendered, f.Reason, f.PoseMs,
			f.WorkerID, f.Confidence, f.ScaleSubstituted, f.BoxNormalized,
		); err != nil {
			return fmt.Errorf("failed to record frame %d of job %s: %w", f.FrameIndex, jobID, err)
		}
	}
	return tx.Commit()
}

const jobColumns = `job_id, status, video_path, created_at, started_at, completed_at,
	total_frames, frames_completed, output_path, error, error_kind, result_json`

// Job loads a recorded job. A missing row yields pipeline.ErrJobNotFound.
func (db *DB) Job(ctx context.Context, id string) (pipeline.Job, error) {
	row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Job{}, fmt.Errorf("%w: %s", pipeline.ErrJobNotFound, id)
	}
	return job, err
}

// RecentJobs returns up to limit recorded jobs, newest first.
func (db *DB) RecentJobs(ctx context.Context, limit int) ([]pipeline.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, job_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]pipeline.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// FrameOutcomes returns the stored outcomes for jobID in frame order.
func (db *DB) FrameOutcomes(ctx context.Context, jobID string) ([]pipeline.FrameOutcome, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT frame_index, pose_success, rendered, reason, pose_ms,
			worker_id, confidence, scale_substituted, box_normalized
		FROM frame_outcomes WHERE job_id = ? ORDER BY frame_index`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	frames := make([]pipeline.FrameOutcome, 0)
	for rows.Next() {
		var f pipeline.FrameOutcome
		if err := rows.Scan(&f.FrameIndex, &f.PoseSuccess, &f.Rendered, &f.Reason, &f.PoseMs,
			&f.WorkerID, &f.Confidence, &f.ScaleSubstituted, &f.BoxNormalized); err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// DegradedReasonCounts totals non-rendered frames by reason across every
// recorded job.
func (db *DB) DegradedReasonCounts(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT reason, COUNT(*) FROM frame_outcomes
		WHERE rendered = 0 GROUP BY reason`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		counts[reason] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (pipeline.Job, error) {
	var (
		job                pipeline.Job
		status, kind       string
		created            int64
		started, completed sql.NullInt64
		resultJSON         sql.NullString
	)
	if err := row.Scan(&job.ID, &status, &job.VideoPath, &created, &started, &completed,
		&job.TotalFrames, &job.FramesCompleted, &job.OutputPath, &job.Error, &kind, &resultJSON); err != nil {
		return pipeline.Job{}, err
	}
	job.Status = pipeline.JobStatus(status)
	job.ErrorKind = pipeline.ErrorKind(kind)
	job.CreatedAt = time.Unix(0, created).UTC()
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	if resultJSON.Valid {
		var res pipeline.JobResult
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return pipeline.Job{}, fmt.Errorf("failed to decode result for job %s: %w", job.ID, err)
		}
		job.Result = &res
	}
	return job, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
