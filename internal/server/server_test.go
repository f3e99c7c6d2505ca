package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	plan "github.com/hanpama/stepplan/internal/plan"
	reqid "github.com/hanpama/stepplan/internal/reqid"
)

// echo returns each row, failing rows which are JSON strings.
func echo(ctx context.Context, rows []any) ([]plan.Result, error) {
	out := make([]plan.Result, len(rows))
	for i, r := range rows {
		if s, ok := r.(string); ok {
			out[i] = plan.Fail(errors.New(s))
			continue
		}
		out[i] = plan.Ok(r)
	}
	return out, nil
}

func newTestHandler(t *testing.T, run RunFunc, opts ...Option) *Handler {
	t.Helper()
	h, err := New(run, opts...)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return h
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, w.Body.String())
	}
	return got
}

// Pattern: Result comparison
func TestBatch(t *testing.T) {
	h := newTestHandler(t, echo)

	w := post(h, `[{"id": 1}, "boom", null]`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	want := map[string]any{
		"results": []any{
			map[string]any{"data": map[string]any{"id": float64(1)}},
			map[string]any{"data": nil, "error": "boom"},
			map[string]any{"data": nil},
		},
		"errors": float64(1),
	}
	if diff := cmp.Diff(want, decode(t, w)); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestSingleRow(t *testing.T) {
	var got []any
	h := newTestHandler(t, func(ctx context.Context, rows []any) ([]plan.Result, error) {
		got = rows
		return echo(ctx, rows)
	})

	w := post(h, `{"id": 7}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if diff := cmp.Diff([]any{map[string]any{"id": json.Number("7")}}, got); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestBadRequests(t *testing.T) {
	h := newTestHandler(t, echo, WithMaxBodyBytes(32), WithMaxRows(2))

	tests := []struct {
		name   string
		method string
		ct     string
		body   string
		status int
	}{
		{"method", "GET", "", "", http.StatusMethodNotAllowed},
		{"content type", "POST", "text/plain", `[1]`, http.StatusUnsupportedMediaType},
		{"invalid json", "POST", "application/json", `[1,`, http.StatusBadRequest},
		{"trailing value", "POST", "application/json", `[1] [2]`, http.StatusBadRequest},
		{"empty batch", "POST", "application/json", `[]`, http.StatusBadRequest},
		{"too many rows", "POST", "application/json", `[1, 2, 3]`, http.StatusRequestEntityTooLarge},
		{"body too large", "POST", "application/json", `["1234567890", "1234567890", "x"]`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", bytes.NewBufferString(tt.body))
			if tt.ct != "" {
				req.Header.Set("Content-Type", tt.ct)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Fatalf("expected %d got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if msg, _ := decode(t, w)["error"].(string); msg == "" {
				t.Fatalf("missing error message")
			}
		})
	}
}

func TestRunFailure(t *testing.T) {
	h := newTestHandler(t, func(ctx context.Context, rows []any) ([]plan.Result, error) {
		return nil, errors.New("begin: database is locked")
	})
	w := post(h, `[1]`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", w.Code)
	}
	if got := decode(t, w)["error"]; got != "begin: database is locked" {
		t.Fatalf("unexpected error %v", got)
	}
}

func TestDefaultTimeout(t *testing.T) {
	var deadline time.Time
	h := newTestHandler(t, func(ctx context.Context, rows []any) ([]plan.Result, error) {
		deadline, _ = ctx.Deadline()
		return nil, ctx.Err()
	}, WithTimeout(time.Minute))

	post(h, `[1]`)
	if deadline.IsZero() || time.Until(deadline) > time.Minute {
		t.Fatalf("expected a deadline within a minute, got %v", deadline)
	}
}

func TestCORSAndPreflight(t *testing.T) {
	h := newTestHandler(t, echo, WithCORS("*"))

	// simple request
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(`[1]`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}

	// preflight
	pre := httptest.NewRequest("OPTIONS", "/", nil)
	pre.Header.Set("Origin", "http://example.com")
	pre.Header.Set("Access-Control-Request-Headers", "X-Test")
	pw := httptest.NewRecorder()
	h.ServeHTTP(pw, pre)
	if pw.Code != http.StatusNoContent {
		t.Fatalf("preflight status %d", pw.Code)
	}
	if pw.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight missing CORS header")
	}
	if pw.Header().Get("Access-Control-Allow-Headers") != "X-Test" {
		t.Fatalf("preflight missing allow headers")
	}
}

func TestRequestID(t *testing.T) {
	var captured string
	h := newTestHandler(t, func(ctx context.Context, rows []any) ([]plan.Result, error) {
		captured, _ = reqid.FromContext(ctx)
		return echo(ctx, rows)
	})

	w := post(h, `[1]`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if captured == "" {
		t.Fatalf("missing request id in context")
	}
}

func TestNewRequiresRun(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected an error")
	}
}
