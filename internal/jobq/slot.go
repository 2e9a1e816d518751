package jobq

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/yungbote/jobq/internal/pkg/logger"
)

// Slot is one acquired position in the cluster-global advisory-lock
// semaphore {(ns, 1), ..., (ns, maxParallelJobs)} (spec.md §4.3 step 3,
// §5, §9). It pins a single *sql.Conn for its entire lifetime: Postgres
// session-level advisory locks live on the connection that took them,
// independent of transaction boundaries, so the same connection must
// carry both the claim transaction (T1) and the run transaction (T2)
// of the two-phase driver.
type Slot struct {
	ID        int32
	namespace int32
	conn      *sql.Conn
	released  bool
}

// SlotPool tries to acquire one of {1..maxParallelJobs} advisory lock
// slots in a fixed namespace.
type SlotPool struct {
	db        *sql.DB
	namespace int32
	log       *logger.Logger
}

func NewSlotPool(db *sql.DB, namespace int32, log *logger.Logger) *SlotPool {
	return &SlotPool{db: db, namespace: namespace, log: log.With("component", "slot_pool")}
}

// TryAcquire attempts slots 1..maxParallelJobs in ascending order on a
// single pinned connection, returning the first one successfully
// acquired non-blockingly. Returns (nil, nil) if every slot is busy.
func (p *SlotPool) TryAcquire(ctx context.Context, maxParallelJobs int) (*Slot, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("slot pool: acquire connection: %w", err)
	}

	for id := int32(1); id <= int32(maxParallelJobs); id++ {
		var acquired bool
		err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1, $2)`, p.namespace, id).Scan(&acquired)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("slot pool: try advisory lock %d: %w", id, err)
		}
		if acquired {
			return &Slot{ID: id, namespace: p.namespace, conn: conn}, nil
		}
	}

	if err := conn.Close(); err != nil {
		p.log.Warn("slot pool: close unused connection", "error", err)
	}
	return nil, nil
}

// Conn returns the slot's pinned connection, for BeginTx calls in
// claim.go and runner.go.
func (s *Slot) Conn() *sql.Conn { return s.conn }

// Release unlocks the advisory lock and returns the pinned connection
// to the pool. Safe to call more than once; only the first call has
// effect. Must be called exactly once per acquired slot regardless of
// which code path exits (spec.md §4.4 step 7).
func (s *Slot) Release(ctx context.Context) error {
	if s == nil || s.released {
		return nil
	}
	s.released = true
	_, err := s.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1, $2)`, s.namespace, s.ID)
	closeErr := s.conn.Close()
	if err != nil {
		return fmt.Errorf("slot release: unlock: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("slot release: close conn: %w", closeErr)
	}
	return nil
}
