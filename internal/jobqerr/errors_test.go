package jobqerr

import (
	"context"
	"errors"
	"testing"
)

func TestNewAndError(t *testing.T) {
	err := New(CodeInvalidArgument, "Enqueue", "query_sql must not be empty")
	if err.Error() != "Enqueue: query_sql must not be empty (invalid_argument)" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if !Is(err, CodeInvalidArgument) {
		t.Fatalf("expected Is to match CodeInvalidArgument")
	}
	if CodeOf(err) != CodeInvalidArgument {
		t.Fatalf("expected CodeOf to return CodeInvalidArgument")
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(CodeInternal, "op", nil) != nil {
		t.Fatalf("expected Wrap(nil) to return nil")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	wrapped := Wrap(CodeTransientExecution, "Claim", cause)
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected wrapped error to unwrap to cause")
	}
}

func TestClassifyContextErrors(t *testing.T) {
	if got := Classify(context.DeadlineExceeded); got != CodeDeadlineExceeded {
		t.Fatalf("expected CodeDeadlineExceeded, got %s", got)
	}
	if got := Classify(context.Canceled); got != CodeTransientExecution {
		t.Fatalf("expected CodeTransientExecution, got %s", got)
	}
}

func TestClassifyPreservesExistingCode(t *testing.T) {
	err := New(CodeNotFound, "GetByID", "no such job")
	if got := Classify(err); got != CodeNotFound {
		t.Fatalf("expected CodeNotFound, got %s", got)
	}
}

func TestClassifyFallsBackToInternal(t *testing.T) {
	if got := Classify(errors.New("totally unexpected")); got != CodeInternal {
		t.Fatalf("expected CodeInternal, got %s", got)
	}
}

func TestClassifyRecognizesTransientWording(t *testing.T) {
	if got := Classify(errors.New("connection reset by peer")); got != CodeTransientExecution {
		t.Fatalf("expected CodeTransientExecution, got %s", got)
	}
}
