package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	eventbus "github.com/hanpama/stepplan/internal/eventbus"
	events "github.com/hanpama/stepplan/internal/events"
	plan "github.com/hanpama/stepplan/internal/plan"
	reqid "github.com/hanpama/stepplan/internal/reqid"
)

// RunFunc executes one batch of root values and returns one outcome per
// value, or an error when the batch as a whole could not run.
type RunFunc func(ctx context.Context, rows []any) ([]plan.Result, error)

// Handler is an http.Handler that runs each POSTed batch of rows.
type Handler struct {
	run RunFunc
	opt Options
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// MaxRows limits the rows of one batch. 0 means unlimited.
	MaxRows int

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithMaxRows(n int) Option           { return func(o *Options) { o.MaxRows = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates a handler running batches with run.
func New(run RunFunc, opts ...Option) (*Handler, error) {
	if run == nil {
		return nil, errors.New("server: run function is required")
	}
	op := Options{Timeout: 10 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	return &Handler{run: run, opt: op}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	ctx, _ = reqid.NewContext(ctx)
	status := http.StatusOK
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Duration: time.Since(start)})
	}()

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}
	if r.Method == http.MethodOptions {
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}
	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse("method not allowed"), h.opt.Pretty)
		return
	}

	rows, perr := parseRows(r, h.opt.MaxBodyBytes)
	if perr != nil {
		status = perr.status
		writeJSON(w, status, errorResponse(perr.message), h.opt.Pretty)
		return
	}
	if h.opt.MaxRows > 0 && len(rows) > h.opt.MaxRows {
		status = http.StatusRequestEntityTooLarge
		writeJSON(w, status, errorResponse("too many rows"), h.opt.Pretty)
		return
	}

	results, err := h.run(ctx, rows)
	if err != nil {
		status = http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, errorResponse(err.Error()), h.opt.Pretty)
		return
	}
	writeJSON(w, status, toResponse(results), h.opt.Pretty)
}

// ------------------ Request parsing ------------------

type requestError struct {
	status  int
	message string
}

// parseRows accepts a JSON array of rows, or a single JSON value which is
// one row.
func parseRows(r *http.Request, maxBody int64) ([]any, *requestError) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return nil, &requestError{http.StatusUnsupportedMediaType, "unsupported Content-Type"}
	}
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &requestError{http.StatusBadRequest, "failed to read body"}
	}
	defer r.Body.Close()
	if maxBody > 0 && int64(len(body)) > maxBody {
		return nil, &requestError{http.StatusRequestEntityTooLarge, "body too large"}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &requestError{http.StatusBadRequest, "invalid JSON"}
	}
	if dec.More() {
		return nil, &requestError{http.StatusBadRequest, "invalid JSON"}
	}
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return nil, &requestError{http.StatusBadRequest, "empty batch"}
		}
		return list, nil
	}
	return []any{v}, nil
}

// ------------------ Response formatting ------------------

type rowResult struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

type batchResponse struct {
	Results []rowResult `json:"results,omitempty"`
	Errors  int         `json:"errors"`
	Error   string      `json:"error,omitempty"`
}

func errorResponse(msg string) batchResponse { return batchResponse{Error: msg} }

func toResponse(results []plan.Result) batchResponse {
	out := batchResponse{Results: make([]rowResult, len(results))}
	for i, r := range results {
		if r.Err != nil {
			out.Results[i] = rowResult{Error: r.Err.Error()}
			out.Errors++
			continue
		}
		out.Results[i] = rowResult{Data: r.Value}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
