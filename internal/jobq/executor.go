package jobq

import (
	"context"
	"time"
)

// Executor is the external collaborator spec.md §6.2 names: it runs
// query_sql as read-only and streams the result set to
// (account, container, blobPath) in its own chosen columnar format,
// honoring deadline by aborting and returning an error. The core never
// inspects the query's result; it only names the destination.
type Executor interface {
	ExecuteReadOnlyToBlob(ctx context.Context, querySQL, account, container, blobPath string, deadline time.Time) error
}

// ExecutorFunc adapts a plain function to the Executor interface, the
// way http.HandlerFunc adapts functions to http.Handler.
type ExecutorFunc func(ctx context.Context, querySQL, account, container, blobPath string, deadline time.Time) error

func (f ExecutorFunc) ExecuteReadOnlyToBlob(ctx context.Context, querySQL, account, container, blobPath string, deadline time.Time) error {
	return f(ctx, querySQL, account, container, blobPath, deadline)
}
