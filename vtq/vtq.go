// Package vtq is the crawler's work queue: a visibility-timeout queue backed
// by SQLite.
//
// A claimed job is invisible to other workers for the visibility window. The
// worker either finishes it (Ack marks it done, Fail marks it done and
// failed) or releases it (Release makes it visible again without counting
// the claim). A worker that crashes simply lets the window expire and the
// job reappears, which is what makes an interrupted run resumable.
//
// Finished jobs stay in the table. Publish ignores IDs that already exist,
// so re-seeding a resumed run never repeats finished work.
//
//	CREATE TABLE IF NOT EXISTS vtq_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- ms since epoch
//	    created_at  INTEGER NOT NULL,             -- ms since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0,   -- claims
//	    errors      TEXT NOT NULL DEFAULT '[]',   -- JSON array, retry history
//	    done_at     INTEGER,                      -- NULL while pending
//	    failed      INTEGER NOT NULL DEFAULT 0
//	);
package vtq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/trendscrape/dbopen"
)

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
	Errors    []string
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Default: "".
	Queue string
	// Visibility is how long a claimed job stays invisible. It must exceed
	// the time a worker can spend on one job, retries included. Default: 30m.
	Visibility time.Duration
	// MaxAttempts bounds how many times a job may be claimed. A job claimed
	// more often keeps crashing its worker and is failed instead of handed
	// out again. 0 means unlimited.
	MaxAttempts int
	Logger      *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Counts summarises the queue.
type Counts struct {
	Pending int
	Done    int
	Failed  int
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once before use.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the vtq_jobs table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vtq_jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			errors      TEXT NOT NULL DEFAULT '[]',
			done_at     INTEGER,
			failed      INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_vtq_pending ON vtq_jobs (queue, done_at, visible_at);
	`)
	if err != nil {
		return fmt.Errorf("vtq: ensure table: %w", err)
	}
	return nil
}

// Publish inserts a visible job. It reports false when a job with the same
// ID already exists, pending or finished.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO vtq_jobs (id, queue, payload, visible_at, created_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(id) DO NOTHING`,
		id, q.opts.Queue, payload, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("vtq: publish %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("vtq: publish %s: %w", id, err)
	}
	return n == 1, nil
}

// Message is a job to publish.
type Message struct {
	ID      string
	Payload []byte
}

// PublishAll inserts msgs in one transaction and returns how many were new.
// Existing IDs are skipped as in Publish.
func (q *Q) PublishAll(ctx context.Context, msgs []Message) (int, error) {
	added := 0
	err := dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		added = 0
		now := time.Now().UnixMilli()
		for _, m := range msgs {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO vtq_jobs (id, queue, payload, visible_at, created_at)
				VALUES (?,?,?,?,?)
				ON CONFLICT(id) DO NOTHING`,
				m.ID, q.opts.Queue, m.Payload, now, now,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			added += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("vtq: publish %d jobs: %w", len(msgs), err)
	}
	return added, nil
}

// Claim atomically picks the oldest visible pending job and hides it for the
// visibility window. It returns nil, nil when nothing is visible.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	for {
		job, err := q.claimOne(ctx)
		if err != nil || job == nil {
			return job, err
		}
		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			q.opts.Logger.Warn("vtq: job exceeded max attempts, failing",
				"id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
			if err := q.Fail(ctx, job.ID, "claimed too many times"); err != nil {
				return nil, err
			}
			continue
		}
		return job, nil
	}
}

func (q *Q) claimOne(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE vtq_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM vtq_jobs
			WHERE queue = ? AND done_at IS NULL AND visible_at <= ?
			ORDER BY visible_at ASC, rowid ASC
			LIMIT 1
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts, errors`,
		hideUntil, q.opts.Queue, now.UnixMilli(),
	)

	var j Job
	var visAt, creAt int64
	var errs string
	err := row.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts, &errs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vtq: claim: %w", err)
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	if err := json.Unmarshal([]byte(errs), &j.Errors); err != nil {
		return nil, fmt.Errorf("vtq: claim %s: decode errors: %w", j.ID, err)
	}
	return &j, nil
}

// Ack marks a job as successfully finished.
func (q *Q) Ack(ctx context.Context, id string) error {
	return q.finish(ctx, id, false)
}

// Fail records reason in the job's history and marks it finished and failed.
func (q *Q) Fail(ctx context.Context, id, reason string) error {
	if err := q.RecordError(ctx, id, reason); err != nil {
		return err
	}
	return q.finish(ctx, id, true)
}

func (q *Q) finish(ctx context.Context, id string, failed bool) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET done_at = ?, failed = ? WHERE id = ? AND queue = ?`,
		time.Now().UnixMilli(), failed, id, q.opts.Queue,
	)
	if err != nil {
		return fmt.Errorf("vtq: finish %s: %w", id, err)
	}
	return nil
}

// RecordError appends msg to the job's retry history without finishing it.
func (q *Q) RecordError(ctx context.Context, id, msg string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET errors = json_insert(errors, '$[#]', ?) WHERE id = ? AND queue = ?`,
		msg, id, q.opts.Queue,
	)
	if err != nil {
		return fmt.Errorf("vtq: record error %s: %w", id, err)
	}
	return nil
}

// Release makes a claimed job visible again and does not count the claim.
// Used when a worker stops before starting the job.
func (q *Q) Release(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = 0, attempts = MAX(attempts - 1, 0)
		 WHERE id = ? AND queue = ? AND done_at IS NULL`,
		id, q.opts.Queue,
	)
	if err != nil {
		return fmt.Errorf("vtq: release %s: %w", id, err)
	}
	return nil
}

// Recover makes every claimed, unfinished job visible now and returns how
// many there were. Call it at start-up when this process is the only
// consumer: claims still hidden belong to a process that died. The dead
// claims keep counting toward MaxAttempts.
func (q *Q) Recover(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = 0
		 WHERE queue = ? AND done_at IS NULL AND visible_at > ?`,
		q.opts.Queue, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("vtq: recover: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("vtq: recover: %w", err)
	}
	return int(n), nil
}

// Extend pushes the visibility window of a claimed job forward.
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = ? WHERE id = ? AND queue = ? AND done_at IS NULL`,
		hideUntil, id, q.opts.Queue,
	)
	if err != nil {
		return fmt.Errorf("vtq: extend %s: %w", id, err)
	}
	return nil
}

// Pending returns the number of unfinished jobs, visible or claimed.
func (q *Q) Pending(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vtq_jobs WHERE queue = ? AND done_at IS NULL`, q.opts.Queue,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("vtq: pending: %w", err)
	}
	return n, nil
}

// Counts returns pending, done and failed totals.
func (q *Q) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN done_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN done_at IS NOT NULL AND failed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN done_at IS NOT NULL AND failed = 1 THEN 1 ELSE 0 END), 0)
		FROM vtq_jobs WHERE queue = ?`, q.opts.Queue,
	).Scan(&c.Pending, &c.Done, &c.Failed)
	if err != nil {
		return Counts{}, fmt.Errorf("vtq: counts: %w", err)
	}
	return c, nil
}

// Purge deletes every job of the queue, finished or not.
func (q *Q) Purge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM vtq_jobs WHERE queue = ?`, q.opts.Queue)
	if err != nil {
		return fmt.Errorf("vtq: purge: %w", err)
	}
	return nil
}
