package errors

import (
	"fmt"
	"testing"
)

func TestCodeClassification(t *testing.T) {
	if !Is(NewValidation("payload", "required"), CodeValidation) {
		t.Error("validation error not classified")
	}
	if !Is(NewNotFound("packet", "x"), CodeNotFound) {
		t.Error("not-found error not classified")
	}
	if Is(fmt.Errorf("plain"), CodeValidation) {
		t.Error("plain error must not match any code")
	}
	if Is(nil, CodeValidation) {
		t.Error("nil must not match any code")
	}
}

func TestWrappedErrorsStayClassified(t *testing.T) {
	err := fmt.Errorf("pipeline: %w", NewPersistence(fmt.Errorf("disk full")))
	if !Is(err, CodePersistence) {
		t.Error("wrapping must preserve the code")
	}
	if !Retryable(err) {
		t.Error("wrapped persistence error must stay retryable")
	}
	se, ok := As(err)
	if !ok || se.Status != 503 {
		t.Errorf("expected 503 substrate error, got %+v", se)
	}
}

func TestRetryableBoundary(t *testing.T) {
	if Retryable(NewConstraint(fmt.Errorf("UNIQUE constraint failed"))) {
		t.Error("constraint violations must not be retryable")
	}
	if Retryable(NewValidation("f", "bad")) {
		t.Error("validation errors must not be retryable")
	}
	if !Retryable(NewPersistence(fmt.Errorf("database is locked"))) {
		t.Error("persistence errors must be retryable")
	}
}
