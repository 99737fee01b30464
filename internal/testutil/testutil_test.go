package testutil

import (
	"errors"
	"net/http"
	"testing"
)

// TestAssertStatusCode_Matching tests matching status codes (no failure).
func TestAssertStatusCode_Matching(t *testing.T) {
	fakeT := &testing.T{}
	AssertStatusCode(fakeT, http.StatusOK, http.StatusOK)
	if fakeT.Failed() {
		t.Error("expected no failure for matching status codes")
	}
}

// TestAssertNoError_NilErr tests nil error path.
func TestAssertNoError_NilErr(t *testing.T) {
	fakeT := &testing.T{}
	AssertNoError(fakeT, nil)
	if fakeT.Failed() {
		t.Error("expected no failure for nil error")
	}
}

// TestAssertError_WithErr tests non-nil error path.
func TestAssertError_WithErr(t *testing.T) {
	fakeT := &testing.T{}
	AssertError(fakeT, errors.New("something wrong"))
	if fakeT.Failed() {
		t.Error("expected no failure when error is present")
	}
}

// TestNewTestRequest_MethodAndPath verifies method and path are set.
func TestNewTestRequest_MethodAndPath(t *testing.T) {
	req := NewTestRequest(http.MethodPost, "/api/perturb")
	if req.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", req.Method)
	}
	if req.URL.Path != "/api/perturb" {
		t.Errorf("path = %s, want /api/perturb", req.URL.Path)
	}
}

// TestNewTestRecorder_InitialState verifies the recorder starts clean.
func TestNewTestRecorder_InitialState(t *testing.T) {
	w := NewTestRecorder()
	if w.Code != http.StatusOK {
		t.Errorf("initial Code = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.Len() != 0 {
		t.Errorf("initial body length = %d, want 0", w.Body.Len())
	}
}

// TestDecodeJSON_RoundTrip verifies decoding a recorded body.
func TestDecodeJSON_RoundTrip(t *testing.T) {
	w := NewTestRecorder()
	w.Body.WriteString(`{"answer": 42}`)

	var payload struct {
		Answer int `json:"answer"`
	}
	DecodeJSON(t, w, &payload)

	if payload.Answer != 42 {
		t.Errorf("answer = %d, want 42", payload.Answer)
	}
}
