package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jsherman999/domwatch/internal/codec"
	"github.com/jsherman999/domwatch/internal/dom"
)

// Change is a queued change event in the outbox.
type Change struct {
	ID         int64                      `json:"id"`
	Module     string                     `json:"module"`
	Event      *dom.InstancesChangedEvent `json:"event"`
	Status     string                     `json:"status"`
	Attempts   int                        `json:"attempts"`
	Error      *string                    `json:"error"`
	CreatedAt  time.Time                  `json:"created_at"`
	StartedAt  *time.Time                 `json:"started_at"`
	FinishedAt *time.Time                 `json:"finished_at"`
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func enqueueChange(ctx context.Context, q queryRower, ev *dom.InstancesChangedEvent) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
INSERT INTO change_outbox(module, envelope, status)
VALUES ($1, $2, 'queued')
RETURNING id;
`, ev.Module, codec.Wrap(ev)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue change: %w", err)
	}
	return id, nil
}

func (s *Store) EnqueueChange(ctx context.Context, ev *dom.InstancesChangedEvent) (int64, error) {
	return enqueueChange(ctx, s.db.Pool, ev)
}

// ClaimNextChange atomically claims the oldest queued change. It returns
// ErrNotFound when the outbox is empty.
func (s *Store) ClaimNextChange(ctx context.Context) (*Change, error) {
	row := s.db.Pool.QueryRow(ctx, `
WITH next AS (
  SELECT id FROM change_outbox
  WHERE status='queued'
  ORDER BY created_at ASC, id ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
UPDATE change_outbox c
SET status='running', started_at=now(), attempts=c.attempts+1
FROM next
WHERE c.id=next.id
RETURNING c.id, c.module, c.envelope, c.status, c.attempts, c.error, c.created_at, c.started_at, c.finished_at;
`)

	var (
		c   Change
		env codec.Envelope
	)
	err := row.Scan(&c.ID, &c.Module, &env, &c.Status, &c.Attempts, &c.Error, &c.CreatedAt, &c.StartedAt, &c.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim change: %w", err)
	}
	ev, err := env.Event()
	if err != nil {
		// Not retried: it will not decode next time either.
		_ = s.FinishChange(ctx, c.ID, err, false)
		return nil, fmt.Errorf("decode change %d: %w", c.ID, err)
	}
	c.Event = ev
	return &c, nil
}

// FinishChange marks a claimed change done, or records jobErr. With retry set
// a failed change goes back to the queue.
func (s *Store) FinishChange(ctx context.Context, id int64, jobErr error, retry bool) error {
	if jobErr == nil {
		_, err := s.db.Pool.Exec(ctx, `UPDATE change_outbox SET status='done', error=NULL, finished_at=now() WHERE id=$1`, id)
		return err
	}
	status := "error"
	if retry {
		status = "queued"
	}
	_, err := s.db.Pool.Exec(ctx, `UPDATE change_outbox SET status=$2, error=$3, finished_at=now() WHERE id=$1`, id, status, jobErr.Error())
	return err
}

// PruneChanges deletes finished changes older than age.
func (s *Store) PruneChanges(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM change_outbox WHERE status='done' AND finished_at < now() - make_interval(secs => $1)`, age.Seconds())
	if err != nil {
		return 0, fmt.Errorf("prune changes: %w", err)
	}
	return tag.RowsAffected(), nil
}
