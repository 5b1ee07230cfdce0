package testutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/BTreeMap/RepairPipe/internal/models"
)

// mockTestingT records failures instead of stopping the test.
type mockTestingT struct {
	failed   bool
	fatal    bool
	errorMsg string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...any) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Fatalf(format string, args ...any) {
	m.failed = true
	m.fatal = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func recorder(body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	rr.WriteString(body)
	return rr
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", 200, 200, false},
		{"different status codes", 200, 404, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "ctx")
			if mockT.failed != tt.shouldFail {
				t.Errorf("failed = %v, want %v (%s)", mockT.failed, tt.shouldFail, mockT.errorMsg)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		expected  models.APIStatus
		wantFail  bool
		wantFatal bool
	}{
		{"ok status", `{"status":"ok","result":1}`, models.APIStatusOK, false, false},
		{"wrong status", `{"status":"error"}`, models.APIStatusOK, true, false},
		{"missing status", `{"result":1}`, models.APIStatusOK, true, false},
		{"not json", `<Response></Response>`, models.APIStatusOK, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			body := AssertJSONResponse(mockT, recorder(tt.body), tt.expected)
			if mockT.failed != tt.wantFail || mockT.fatal != tt.wantFatal {
				t.Errorf("failed=%v fatal=%v (%s)", mockT.failed, mockT.fatal, mockT.errorMsg)
			}
			if tt.wantFatal && body != nil {
				t.Errorf("body = %v, want nil", body)
			}
		})
	}
}

func TestNewFormRequest(t *testing.T) {
	req := NewFormRequest(http.MethodPost, "/webhooks/twilio", url.Values{"Body": {"oi tudo bem"}})
	if ct := req.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
		t.Errorf("Content-Type = %q", ct)
	}
	raw, _ := io.ReadAll(req.Body)
	if string(raw) != "Body=oi+tudo+bem" {
		t.Errorf("body = %q", raw)
	}
}

func TestMustUnmarshalJSON(t *testing.T) {
	var target map[string]any
	MustUnmarshalJSON(t, []byte(`{"key":"value","number":123}`), &target)
	if target["key"] != "value" || target["number"].(float64) != 123 {
		t.Errorf("target = %v", target)
	}

	mockT := &mockTestingT{}
	MustUnmarshalJSON(mockT, []byte(`{`), &target)
	if !mockT.fatal {
		t.Error("invalid JSON should fail fatally")
	}
}

func TestNewSQLiteStore(t *testing.T) {
	s := NewSQLiteStore(t)
	ctx := context.Background()
	ok, err := s.RecordInbound(ctx, "wamid.t", "peer", time.Minute)
	if err != nil || !ok {
		t.Fatalf("RecordInbound = %v, %v", ok, err)
	}
}
