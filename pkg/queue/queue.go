// Package queue implements the Persistent Completion Queue: a durable,
// shared-across-instances queue of jobs whose blob landed but whose
// escrow settlement must be retried with exponential backoff. The
// repository half uses raw SQL with $N placeholders and sql.NullString;
// the drain loop is a Start/Stop/run ticker loop.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/blobkit/proxy/pkg/types"
)

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = 5 * time.Minute
)

// backoff implements backoff(n) = min(base * 2^n, 5min).
func backoff(retryCount int) time.Duration {
	d := baseBackoff
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Locker is the narrow Job Cache capability the drain loop needs to
// serialize retries against concurrently-running handlers.
type Locker interface {
	AcquireLock(ctx context.Context, jobID string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, jobID, token string) error
}

// Verifier is the narrow Payment Verifier capability the drain loop
// needs: re-check before retrying, and the actual completion call.
type Verifier interface {
	CheckJobStatus(ctx context.Context, jobID string) (types.JobStatus, error)
	CompleteJob(ctx context.Context, jobID, blobTxHash string) (string, error)
}

// State is the drain loop's enum-typed run state.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// Queue is the Persistent Completion Queue.
type Queue struct {
	db       *sql.DB
	locker   Locker
	verifier Verifier
	lockTTL  time.Duration

	mu     sync.RWMutex
	state  State
	stopCh chan struct{}
	doneCh chan struct{}

	logger *log.Logger
}

// New constructs a Queue over the given database connection.
func New(db *sql.DB, locker Locker, verifier Verifier, lockTTL time.Duration, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(log.Writer(), "[CompletionQueue] ", log.LstdFlags)
	}
	return &Queue{
		db:       db,
		locker:   locker,
		verifier: verifier,
		lockTTL:  lockTTL,
		state:    StateStopped,
		logger:   logger,
	}
}

// Enqueue inserts a pending completion, idempotent on jobId.
func (q *Queue) Enqueue(ctx context.Context, jobID, blobTxHash string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_completions (job_id, blob_tx_hash, retry_count, last_attempt_at, created_at)
		VALUES ($1, $2, 0, $3, $3)
		ON CONFLICT (job_id) DO NOTHING
	`, jobID, blobTxHash, time.Now())
	if err != nil {
		return fmt.Errorf("enqueue pending completion: %w", err)
	}
	return nil
}

// Remove deletes a pending completion, idempotent.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM pending_completions WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("remove pending completion: %w", err)
	}
	return nil
}

// Status reports the queue depth and entries for health reporting.
func (q *Queue) Status(ctx context.Context) (int, []types.PendingCompletion, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT job_id, blob_tx_hash, retry_count, last_error, last_attempt_at, created_at
		FROM pending_completions
	`)
	if err != nil {
		return 0, nil, fmt.Errorf("query pending completions: %w", err)
	}
	defer rows.Close()

	var entries []types.PendingCompletion
	for rows.Next() {
		var e types.PendingCompletion
		var lastError sql.NullString
		var lastAttempt, created time.Time
		if err := rows.Scan(&e.JobID, &e.BlobTxHash, &e.RetryCount, &lastError, &lastAttempt, &created); err != nil {
			return 0, nil, fmt.Errorf("scan pending completion: %w", err)
		}
		e.LastError = lastError.String
		e.LastAttemptAt = lastAttempt.Unix()
		e.CreatedAt = created.Unix()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return len(entries), entries, nil
}

// Start begins the background drain loop.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateRunning {
		return
	}
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	q.state = StateRunning

	go q.run(ctx)
	q.logger.Printf("drain loop started (interval=%s)", baseBackoff)
}

// Stop halts the drain loop and waits for the in-flight cycle, if any, to
// finish releasing its locks.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.state != StateRunning {
		q.mu.Unlock()
		return
	}
	close(q.stopCh)
	q.state = StateStopped
	q.mu.Unlock()

	<-q.doneCh
	q.logger.Println("drain loop stopped")
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.doneCh)

	ticker := time.NewTicker(baseBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			q.drainOnce(context.Background())
			return
		case <-ticker.C:
			q.drainOnce(ctx)
		}
	}
}

// drainOnce iterates entries whose backoff has elapsed and attempts each.
func (q *Queue) drainOnce(ctx context.Context) {
	_, entries, err := q.Status(ctx)
	if err != nil {
		q.logger.Printf("drain: status query failed: %v", err)
		return
	}

	now := time.Now()
	for _, entry := range entries {
		age := now.Sub(time.Unix(entry.CreatedAt, 0))
		if age >= types.PendingCompletionTTLSeconds*time.Second {
			q.logger.Printf("drain %s: entry exceeded %s TTL, operator intervention required", entry.JobID, types.PendingCompletionTTLSeconds*time.Second)
			if err := q.Remove(ctx, entry.JobID); err != nil {
				q.logger.Printf("drain %s: remove after TTL expiry failed: %v", entry.JobID, err)
			}
			continue
		}

		due := time.Unix(entry.LastAttemptAt, 0).Add(backoff(entry.RetryCount))
		if now.Before(due) {
			continue
		}
		q.attempt(ctx, entry)
	}
}

func (q *Queue) attempt(ctx context.Context, entry types.PendingCompletion) {
	token, err := q.locker.AcquireLock(ctx, entry.JobID, q.lockTTL)
	if err != nil {
		q.logger.Printf("drain %s: acquire lock failed: %v", entry.JobID, err)
		return
	}
	if token == "" {
		// Another instance is actively working this job (e.g. its own
		// write handler); skip this cycle.
		return
	}
	defer q.locker.ReleaseLock(ctx, entry.JobID, token)

	status, err := q.verifier.CheckJobStatus(ctx, entry.JobID)
	if err != nil {
		q.recordFailure(ctx, entry, err)
		return
	}
	if status.Completed {
		if err := q.Remove(ctx, entry.JobID); err != nil {
			q.logger.Printf("drain %s: remove after external completion failed: %v", entry.JobID, err)
		}
		return
	}

	if _, err := q.verifier.CompleteJob(ctx, entry.JobID, entry.BlobTxHash); err != nil {
		q.recordFailure(ctx, entry, err)
		return
	}

	if err := q.Remove(ctx, entry.JobID); err != nil {
		q.logger.Printf("drain %s: remove after success failed: %v", entry.JobID, err)
	}
}

func (q *Queue) recordFailure(ctx context.Context, entry types.PendingCompletion, cause error) {
	retryCount := entry.RetryCount + 1
	if retryCount > types.MaxRetries {
		q.logger.Printf("drain %s: exhausted retries, operator intervention required: %v", entry.JobID, cause)
		if err := q.Remove(ctx, entry.JobID); err != nil {
			q.logger.Printf("drain %s: remove after exhaustion failed: %v", entry.JobID, err)
		}
		return
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE pending_completions
		SET retry_count = $2, last_error = $3, last_attempt_at = $4
		WHERE job_id = $1
	`, entry.JobID, retryCount, cause.Error(), time.Now())
	if err != nil {
		q.logger.Printf("drain %s: record failure failed: %v", entry.JobID, err)
	}
}
