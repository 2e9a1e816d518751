package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yungbote/jobq/internal/jobq"
	"github.com/yungbote/jobq/internal/pkg/logger"
	"github.com/yungbote/jobq/internal/platform/blobstore"
)

// shellExecutor is jobqd's reference Executor (spec.md §6.2): it runs
// query_sql against the analytics connection named by
// JOBQ_ANALYTICS_DSN and streams the result as CSV to the blob store.
// A deployment that needs a real columnar writer swaps this out for
// its own Executor; the queue core never depends on this file.
type shellExecutor struct {
	blob *blobstore.Store
	log  *logger.Logger
	dsn  string
}

func newShellExecutor(blob *blobstore.Store, log *logger.Logger) jobq.Executor {
	return &shellExecutor{
		blob: blob,
		log:  log.With("component", "shell_executor"),
		dsn:  strings.TrimSpace(os.Getenv("JOBQ_ANALYTICS_DSN")),
	}
}

func (e *shellExecutor) ExecuteReadOnlyToBlob(ctx context.Context, querySQL, account, container, blobPath string, deadline time.Time) error {
	if e.dsn == "" {
		return fmt.Errorf("shell executor: JOBQ_ANALYTICS_DSN not configured")
	}

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	pool, err := pgxpool.New(runCtx, e.dsn)
	if err != nil {
		return fmt.Errorf("shell executor: connect analytics db: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(runCtx)
	if err != nil {
		return fmt.Errorf("shell executor: acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(runCtx, "SET default_transaction_read_only = on"); err != nil {
		return fmt.Errorf("shell executor: enforce read-only session: %w", err)
	}

	pr, pw := io.Pipe()
	copySQL := fmt.Sprintf("COPY (%s) TO STDOUT WITH (FORMAT csv, HEADER true)", querySQL)

	errCh := make(chan error, 1)
	go func() {
		tag, copyErr := conn.Conn().PgConn().CopyTo(runCtx, pw, copySQL)
		if copyErr != nil {
			_ = pw.CloseWithError(copyErr)
			errCh <- copyErr
			return
		}
		_ = pw.Close()
		e.log.Debug("shell executor: copy complete", "rows", tag.RowsAffected())
		errCh <- nil
	}()

	if err := e.blob.Put(runCtx, account, container, blobPath, pr); err != nil {
		_ = pr.CloseWithError(err)
		<-errCh
		return fmt.Errorf("shell executor: upload result: %w", err)
	}
	return <-errCh
}
