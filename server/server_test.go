package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/openeuler-mirror/WasmEngine/catalog"
	wasmerrors "github.com/openeuler-mirror/WasmEngine/errors"
	"github.com/openeuler-mirror/WasmEngine/fetch"
)

type fakeFunctions struct {
	mu      sync.Mutex
	entries map[string]catalog.Entry
	invoke  func(name string, args map[string]string) (string, error)
	// localCtx records whether any deploy context allowed file:// fetches.
	localCtx bool
}

func newFake() *fakeFunctions {
	return &fakeFunctions{entries: map[string]catalog.Entry{}}
}

func (f *fakeFunctions) Deploy(ctx context.Context, name, ref string, wasiCap bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localCtx = f.localCtx || fetch.LocalAllowed(ctx)
	if _, ok := f.entries[name]; ok {
		return wasmerrors.AlreadyExists(wasmerrors.PhaseCatalog, name)
	}
	f.entries[name] = catalog.Entry{Name: name, ImageReference: ref, WASICap: wasiCap}
	return nil
}

func (f *fakeFunctions) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[name]; !ok {
		return wasmerrors.NotFound(wasmerrors.PhaseCatalog, "function", name)
	}
	delete(f.entries, name)
	return nil
}

func (f *fakeFunctions) List() []catalog.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]catalog.Entry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out
}

func (f *fakeFunctions) Query(name string) (catalog.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[name]
	if !ok {
		return catalog.Entry{}, wasmerrors.NotFound(wasmerrors.PhaseCatalog, "function", name)
	}
	return e, nil
}

func (f *fakeFunctions) Invoke(_ context.Context, name string, args map[string]string) (string, error) {
	if _, err := f.Query(name); err != nil {
		return "", err
	}
	if f.invoke != nil {
		return f.invoke(name, args)
	}
	return "ok", nil
}

func do(t *testing.T, s *Server, method, path, body string) (int, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s %s: decode response %q: %v", method, path, rec.Body.String(), err)
	}
	if resp.Status != rec.Code {
		t.Errorf("body status %d != HTTP status %d", resp.Status, rec.Code)
	}
	return rec.Code, resp
}

func TestServer_Lifecycle(t *testing.T) {
	fns := newFake()
	fns.invoke = func(_ string, args map[string]string) (string, error) {
		return "hello " + args["who"], nil
	}
	s := New(fns, nil)

	steps := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"deploy", http.MethodPost, "/function/deploy", `{"function_name":"greet","function_image":"localhost:5000/greet:v1","wasi_cap":true}`, http.StatusOK},
		{"deploy duplicate", http.MethodPost, "/function/deploy", `{"function_name":"greet","function_image":"localhost:5000/greet:v2"}`, http.StatusConflict},
		{"query", http.MethodPost, "/function/query", `{"function_name":"greet"}`, http.StatusOK},
		{"list", http.MethodGet, "/function/list", "", http.StatusOK},
		{"invoke", http.MethodPost, "/function/invoke", `{"function_name":"greet","args":{"who":"world"}}`, http.StatusOK},
		{"delete", http.MethodPost, "/function/delete", `{"function_name":"greet"}`, http.StatusOK},
		{"invoke deleted", http.MethodPost, "/function/invoke", `{"function_name":"greet"}`, http.StatusNotFound},
		{"query deleted", http.MethodPost, "/function/query", `{"function_name":"greet"}`, http.StatusNotFound},
		{"delete deleted", http.MethodPost, "/function/delete", `{"function_name":"greet"}`, http.StatusNotFound},
	}

	for _, step := range steps {
		code, resp := do(t, s, step.method, step.path, step.body)
		if code != step.status {
			t.Fatalf("%s: status = %d, want %d (body %v)", step.name, code, step.status, resp.Body)
		}
		if step.name == "invoke" && resp.Body != "hello world" {
			t.Errorf("invoke body = %v", resp.Body)
		}
	}
}

func TestServer_QueryBody(t *testing.T) {
	fns := newFake()
	fns.Deploy(context.Background(), "auth", "localhost:5000/auth:v1", false)
	s := New(fns, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/function/query", strings.NewReader(`{"function_name":"auth"}`))
	s.Handler().ServeHTTP(rec, req)

	var resp struct {
		Status int           `json:"status"`
		Body   catalog.Entry `json:"body"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Body.Name != "auth" || resp.Body.ImageReference != "localhost:5000/auth:v1" {
		t.Errorf("entry = %+v", resp.Body)
	}
}

func TestServer_BadRequests(t *testing.T) {
	s := New(newFake(), nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"malformed json", http.MethodPost, "/function/deploy", `{`, http.StatusBadRequest},
		{"missing name", http.MethodPost, "/function/query", `{}`, http.StatusBadRequest},
		{"missing image", http.MethodPost, "/function/deploy", `{"function_name":"f"}`, http.StatusBadRequest},
		{"body too large", http.MethodPost, "/function/invoke",
			`{"function_name":"f","args":{"x":"` + strings.Repeat("a", MaxBodyBytes) + `"}}`, http.StatusRequestEntityTooLarge},
		{"unknown route", http.MethodGet, "/function/nope", "", http.StatusNotFound},
		{"wrong method", http.MethodGet, "/function/deploy", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := do(t, s, tt.method, tt.path, tt.body)
			if code != tt.status {
				t.Errorf("status = %d, want %d", code, tt.status)
			}
		})
	}
}

func TestServer_DeployRejectsLocalReference(t *testing.T) {
	fns := newFake()
	s := New(fns, nil)

	code, _ := do(t, s, http.MethodPost, "/function/deploy",
		`{"function_name":"passwd","function_image":"file:///etc/passwd"}`)
	if code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", code, http.StatusBadRequest)
	}
	if len(fns.List()) != 0 {
		t.Errorf("local reference reached the catalog: %v", fns.List())
	}

	code, _ = do(t, s, http.MethodPost, "/function/deploy",
		`{"function_name":"greet","function_image":"localhost:5000/greet:v1"}`)
	if code != http.StatusOK {
		t.Fatalf("registry deploy status = %d", code)
	}
	if fns.localCtx {
		t.Error("HTTP deploy context allows local references")
	}
}

func TestServer_Healthz(t *testing.T) {
	code, resp := do(t, New(newFake(), nil), http.MethodGet, "/healthz", "")
	if code != http.StatusOK || resp.Body != "ok" {
		t.Errorf("healthz = %d %v", code, resp.Body)
	}
}

func TestServer_RequestID(t *testing.T) {
	s := New(newFake(), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-1")
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get(requestIDHeader); got != "req-1" {
		t.Errorf("request id = %q", got)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get(requestIDHeader) == "" {
		t.Error("request id not generated")
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		kind wasmerrors.Kind
		want int
	}{
		{wasmerrors.KindNotFound, http.StatusNotFound},
		{wasmerrors.KindAlreadyExists, http.StatusConflict},
		{wasmerrors.KindInvalidInput, http.StatusBadRequest},
		{wasmerrors.KindOversizedInput, http.StatusBadRequest},
		{wasmerrors.KindOversizedOutput, http.StatusBadRequest},
		{wasmerrors.KindAbiMismatch, http.StatusBadRequest},
		{wasmerrors.KindMissingExport, http.StatusBadRequest},
		{wasmerrors.KindTrap, http.StatusUnprocessableEntity},
		{wasmerrors.KindInvalidEncoding, http.StatusUnprocessableEntity},
		{wasmerrors.KindFetchFailure, http.StatusBadGateway},
		{wasmerrors.KindUnpackFailure, http.StatusBadGateway},
		{wasmerrors.KindMalformedArtifact, http.StatusBadGateway},
		{wasmerrors.KindPersistenceFailure, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		err := wasmerrors.New(wasmerrors.PhaseRuntime, tt.kind).Build()
		if got := StatusOf(err); got != tt.want {
			t.Errorf("StatusOf(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
	if got := StatusOf(context.Canceled); got != http.StatusInternalServerError {
		t.Errorf("StatusOf(plain error) = %d", got)
	}
}

func TestServer_InvokeErrorStatus(t *testing.T) {
	fns := newFake()
	fns.Deploy(context.Background(), "spin", "ref", false)
	fns.invoke = func(name string, _ map[string]string) (string, error) {
		return "", wasmerrors.Trap(name, nil)
	}

	code, _ := do(t, New(fns, nil), http.MethodPost, "/function/invoke", `{"function_name":"spin"}`)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", code)
	}
}
