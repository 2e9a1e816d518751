package jobq

import (
	"testing"
	"time"
)

func TestValidateReadOnlySQL(t *testing.T) {
	cases := []struct {
		name    string
		sql     string
		wantErr bool
	}{
		{"plain select", "SELECT * FROM orders", false},
		{"with cte", "WITH x AS (SELECT 1) SELECT * FROM x", false},
		{"lowercase select", "select id from users", false},
		{"comment-looking literal accepted", "WITH x AS (SELECT '--comment') SELECT * FROM x", false},
		{"escaped quote literal accepted", "SELECT 'it''s a test' AS note", false},
		{"insert rejected", "INSERT INTO orders VALUES (1)", true},
		{"update rejected", "UPDATE orders SET x = 1", true},
		{"delete rejected", "DELETE FROM orders", true},
		{"semicolon rejected", "SELECT 1; SELECT 2", true},
		{"line comment rejected", "SELECT 1 -- drop stuff", true},
		{"block comment rejected", "SELECT 1 /* sneaky */", true},
		{"into rejected", "SELECT * INTO new_table FROM orders", true},
		{"does not start with select", "orders SELECT 1", true},
		{"empty", "", true},
		{"write keyword inside identifier not flagged", "SELECT insertion_count FROM stats", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateReadOnlySQL(tc.sql)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error for %q, got nil", tc.sql)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected no error for %q, got %v", tc.sql, err)
			}
		})
	}
}

func TestBlankLiterals(t *testing.T) {
	in := `SELECT 'it''s a test', '--not a comment'`
	out := blankLiterals(in)
	if out == in {
		t.Fatalf("expected literal contents to be blanked")
	}
	for _, bad := range []string{"--not a comment", "it''s a test"} {
		if containsSubstring(out, bad) {
			t.Fatalf("blankLiterals left literal content %q intact: %q", bad, out)
		}
	}
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestNormalizeEnqueueDefaults(t *testing.T) {
	now := time.Now()
	job, err := normalizeEnqueue(EnqueueInput{
		QuerySQL:         "SELECT 1",
		StorageAccount:   "acct",
		StorageContainer: "container",
	}, 3, now)
	if err != nil {
		t.Fatalf("normalizeEnqueue: %v", err)
	}
	if job.Priority != 0 {
		t.Fatalf("expected default priority 0, got %d", job.Priority)
	}
	if job.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", job.MaxAttempts)
	}
	if !job.ScheduledAt.Equal(now) {
		t.Fatalf("expected default scheduled_at to be now")
	}
}

func TestNormalizeEnqueueRejectsBadPriority(t *testing.T) {
	badPriority := 5000
	_, err := normalizeEnqueue(EnqueueInput{
		QuerySQL:         "SELECT 1",
		StorageAccount:   "acct",
		StorageContainer: "container",
		Priority:         &badPriority,
	}, 3, time.Now())
	if err == nil {
		t.Fatalf("expected error for out-of-range priority")
	}
}

func TestNormalizeEnqueueRejectsEmptyQuery(t *testing.T) {
	_, err := normalizeEnqueue(EnqueueInput{
		StorageAccount:   "acct",
		StorageContainer: "container",
	}, 3, time.Now())
	if err == nil {
		t.Fatalf("expected error for empty query_sql")
	}
}
