package jobq

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yungbote/jobq/internal/domain"
	"github.com/yungbote/jobq/internal/jobqerr"
)

// EnqueueInput is the caller-supplied payload for Enqueue (spec.md
// §4.2). Optional fields are nil when the caller wants the documented
// default.
type EnqueueInput struct {
	QuerySQL         string
	StorageAccount   string
	StorageContainer string
	ScheduledAt      *time.Time
	Priority         *int
	CorrelationID    *string
	MaxRuntime       *time.Duration
}

var stringLiteralRe = regexp.MustCompile(`'(?:[^']|'')*'`)

// blankLiterals returns a "scan copy" of sql in which the contents of
// single-quoted string literals are replaced by spaces, preserving
// the quote delimiters. '' (an escaped quote) is treated as part of
// the literal's content, not a terminator, per spec.md §4.2 step 6.
func blankLiterals(sql string) string {
	return stringLiteralRe.ReplaceAllStringFunc(sql, func(lit string) string {
		runes := []rune(lit)
		for i := 1; i < len(runes)-1; i++ {
			runes[i] = ' '
		}
		return string(runes)
	})
}

var (
	firstKeywordRe = regexp.MustCompile(`(?is)^\s*([A-Za-z_][A-Za-z0-9_]*)`)
	writeKeywords  = []string{
		"insert", "update", "delete", "merge", "truncate", "create", "alter",
		"drop", "grant", "revoke", "copy", "vacuum", "analyze", "cluster",
		"refresh", "reindex", "call", "do", "lock", "into",
	}
)

func wordBoundaryRe(word string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
}

var writeKeywordRes = func() []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(writeKeywords))
	for i, w := range writeKeywords {
		res[i] = wordBoundaryRe(w)
	}
	return res
}()

// ValidateReadOnlySQL implements spec.md §4.2 step 6: a best-effort
// textual admission filter, not a sandbox. It is load-bearing
// security-relevant behavior and must not be loosened.
func ValidateReadOnlySQL(querySQL string) error {
	scan := blankLiterals(querySQL)

	m := firstKeywordRe.FindStringSubmatch(scan)
	if m == nil {
		return jobqerr.New(jobqerr.CodeInvalidArgument, "ValidateReadOnlySQL", "query must start with SELECT or WITH")
	}
	first := strings.ToLower(m[1])
	if first != "select" && first != "with" {
		return jobqerr.New(jobqerr.CodeInvalidArgument, "ValidateReadOnlySQL", fmt.Sprintf("query must start with SELECT or WITH, got %q", first))
	}

	if strings.Contains(scan, ";") {
		return jobqerr.New(jobqerr.CodeInvalidArgument, "ValidateReadOnlySQL", "query must not contain ';'")
	}
	if strings.Contains(scan, "--") {
		return jobqerr.New(jobqerr.CodeInvalidArgument, "ValidateReadOnlySQL", "query must not contain '--'")
	}
	if strings.Contains(scan, "/*") {
		return jobqerr.New(jobqerr.CodeInvalidArgument, "ValidateReadOnlySQL", "query must not contain '/*'")
	}

	for i, re := range writeKeywordRes {
		if re.MatchString(scan) {
			return jobqerr.New(jobqerr.CodeInvalidArgument, "ValidateReadOnlySQL", fmt.Sprintf("query must not contain %q", writeKeywords[i]))
		}
	}
	return nil
}

// normalizeEnqueue applies spec.md §4.2 validation and defaulting,
// returning a Job ready to insert or an InvalidArgument error.
func normalizeEnqueue(in EnqueueInput, defaultMaxAttempts int, now time.Time) (*domain.Job, error) {
	querySQL := strings.TrimSpace(in.QuerySQL)
	if querySQL == "" {
		return nil, jobqerr.New(jobqerr.CodeInvalidArgument, "Enqueue", "query_sql must not be empty")
	}
	if utf8.RuneCountInString(querySQL) > domain.MaxQuerySQLLen {
		return nil, jobqerr.New(jobqerr.CodeInvalidArgument, "Enqueue", fmt.Sprintf("query_sql exceeds %d characters", domain.MaxQuerySQLLen))
	}

	storageAccount := strings.TrimSpace(in.StorageAccount)
	if storageAccount == "" {
		return nil, jobqerr.New(jobqerr.CodeInvalidArgument, "Enqueue", "storage_account must not be empty")
	}
	storageContainer := strings.TrimSpace(in.StorageContainer)
	if storageContainer == "" {
		return nil, jobqerr.New(jobqerr.CodeInvalidArgument, "Enqueue", "storage_container must not be empty")
	}

	priority := 0
	if in.Priority != nil {
		priority = *in.Priority
	}
	if priority < domain.MinPriority || priority > domain.MaxPriority {
		return nil, jobqerr.New(jobqerr.CodeInvalidArgument, "Enqueue", fmt.Sprintf("priority must be in [%d, %d]", domain.MinPriority, domain.MaxPriority))
	}

	maxRuntime := domain.DefaultMaxRuntime
	if in.MaxRuntime != nil {
		maxRuntime = *in.MaxRuntime
	}
	if maxRuntime <= 0 || maxRuntime > domain.MaxMaxRuntime {
		return nil, jobqerr.New(jobqerr.CodeInvalidArgument, "Enqueue", fmt.Sprintf("max_runtime must be in (0, %s]", domain.MaxMaxRuntime))
	}

	scheduledAt := now
	if in.ScheduledAt != nil {
		scheduledAt = *in.ScheduledAt
	}

	if err := ValidateReadOnlySQL(querySQL); err != nil {
		return nil, err
	}

	if defaultMaxAttempts < 1 {
		defaultMaxAttempts = 3
	}

	var correlationID *string
	if in.CorrelationID != nil {
		v := strings.TrimSpace(*in.CorrelationID)
		if v != "" {
			correlationID = &v
		}
	}

	return &domain.Job{
		QuerySQL:         querySQL,
		StorageAccount:   storageAccount,
		StorageContainer: storageContainer,
		ScheduledAt:      scheduledAt,
		Priority:         priority,
		CorrelationID:    correlationID,
		Status:           domain.StatusPending,
		AttemptCount:     0,
		MaxAttempts:      defaultMaxAttempts,
		MaxRuntimeNS:     int64(maxRuntime),
	}, nil
}

// Enqueue validates in per spec.md §4.2 and inserts the job row,
// returning its assigned JobID.
func (e *Engine) Enqueue(ctx context.Context, in EnqueueInput) (int64, error) {
	job, err := normalizeEnqueue(in, e.cfg.DefaultMaxAttempts, time.Now())
	if err != nil {
		return 0, err
	}
	if err := e.store.Insert(ctx, job); err != nil {
		return 0, jobqerr.Wrap(jobqerr.Classify(err), "Enqueue", err)
	}
	e.log.Info("enqueued job", "job_id", job.JobID, "priority", job.Priority, "scheduled_at", job.ScheduledAt)
	return job.JobID, nil
}
