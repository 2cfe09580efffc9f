package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestServiceErrorUnwrapAndStatus(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := fmt.Errorf("commit authorization: %w", Unavailable("store unavailable", cause))

	if !stderrors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
	if !IsRetryable(err) {
		t.Fatalf("unavailable should be retryable")
	}
	if got := HTTPStatus(err); got != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", got)
	}
}

func TestNonServiceErrorDefaults(t *testing.T) {
	err := stderrors.New("boom")
	if GetServiceError(err) != nil {
		t.Fatalf("plain error should not convert")
	}
	if IsRetryable(err) {
		t.Fatalf("plain error is not retryable")
	}
	if HTTPStatus(err) != http.StatusInternalServerError {
		t.Fatalf("plain error should map to 500")
	}
}

func TestWithDetails(t *testing.T) {
	err := RateLimitExceeded(10, "1s")
	if err.Details["limit"] != 10 || err.Details["window"] != "1s" {
		t.Fatalf("details not recorded: %v", err.Details)
	}
	if NotFound("account", "42").HTTPStatus != http.StatusNotFound {
		t.Fatalf("not found status mismatch")
	}
}
