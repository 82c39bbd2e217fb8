package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := New(ErrCategoryWarehouse, CodeJobFailed, "load job failed")
	expected := "[WAREHOUSE:JOB_FAILED] load job failed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryStorage, CodeUploadFailed, "staging upload failed", cause)
	expected := "[STORAGE:UPLOAD_FAILED] staging upload failed: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryWarehouse, CodeSubmitFailed, "submit", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestError_Is(t *testing.T) {
	err1 := New(ErrCategoryWarehouse, CodeJobFailed, "first")
	err2 := New(ErrCategoryWarehouse, CodeJobFailed, "second")
	err3 := New(ErrCategoryWarehouse, CodeJobTimeout, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestError_IsFindsWrappedCode(t *testing.T) {
	mismatch := NewValidationError(CodeSchemaMismatch, "line 51: rank_position")
	jobErr := NewWarehouseError(CodeJobFailed, "job abc failed", mismatch)

	if GetCode(jobErr) != CodeJobFailed {
		t.Errorf("outer code = %q, want %q", GetCode(jobErr), CodeJobFailed)
	}
	if !errors.Is(jobErr, New(ErrCategoryValidation, CodeSchemaMismatch, "")) {
		t.Error("errors.Is should find the schema mismatch in the chain")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeUploadFailed, true},
		{ErrCategoryStorage, CodeDownloadFailed, true},
		{ErrCategoryStorage, CodeObjectNotFound, false},
		{ErrCategoryWarehouse, CodeSubmitFailed, true},
		{ErrCategoryWarehouse, CodeUnavailable, true},
		{ErrCategoryWarehouse, CodeJobFailed, false},
		{ErrCategoryWarehouse, CodeJobTimeout, false},
		{ErrCategoryWarehouse, CodeTableNotFound, false},
		{ErrCategoryValidation, CodeSchemaMismatch, false},
		{ErrCategoryIngest, CodeRowErrors, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are never retryable")
	}
}

func TestGetCategory(t *testing.T) {
	err := NewIngestError(CodeRowErrors, "1 row rejected")
	if GetCategory(err) != ErrCategoryIngest {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryIngest)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-Error should return empty category")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryWarehouse, CodeJobFailed, "failed")
	detailed := err.WithDetails(map[string]interface{}{"job_id": "abc"})

	if detailed.Details["job_id"] != "abc" {
		t.Error("WithDetails should set details")
	}
	if GetDetails(detailed)["job_id"] != "abc" {
		t.Error("GetDetails should return details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	c := NewConfigError("bad users", cause)
	if c.Category != ErrCategoryConfig || c.Code != CodeInvalidConfig {
		t.Error("NewConfigError mismatch")
	}

	v := NewValidationError(CodeEmptyBatch, "no rows")
	if v.Category != ErrCategoryValidation || v.Code != CodeEmptyBatch {
		t.Error("NewValidationError mismatch")
	}

	s := NewStorageError(CodeUploadFailed, "s3 down", cause)
	if s.Category != ErrCategoryStorage || !errors.Is(s, cause) || !s.Retryable {
		t.Error("NewStorageError mismatch")
	}

	w := NewWarehouseError(CodeUnavailable, "busy", cause)
	if w.Category != ErrCategoryWarehouse || !w.Retryable {
		t.Error("NewWarehouseError mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
