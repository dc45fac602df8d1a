package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/falleco/open-commander/internal/auth"
	"github.com/falleco/open-commander/internal/config"
	"github.com/falleco/open-commander/internal/github"
	"github.com/falleco/open-commander/internal/jobs"
	"github.com/falleco/open-commander/internal/store"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []jobs.Job
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) queued() []jobs.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]jobs.Job(nil), q.jobs...)
}

type fakeVerifier struct {
	mu     sync.Mutex
	last   string
	result *github.AccessResult
	err    error
}

func (v *fakeVerifier) VerifyAccess(_ context.Context, repository string) (*github.AccessResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.last = repository
	if v.err != nil {
		return nil, v.err
	}
	return v.result, nil
}

func (v *fakeVerifier) seen() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}

type fixture struct {
	t     *testing.T
	st    *store.Store
	queue *fakeQueue
	gh    *fakeVerifier
	srv   *httptest.Server
	user  *store.User
	key   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	user, err := st.CreateUser("dev", "Dev", true)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	plaintext, id, hash, err := auth.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if _, err := st.CreateAPIKey(id, user.ID, "test", hash); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	queue := &fakeQueue{}
	gh := &fakeVerifier{}
	api := New(st, &auth.KeyVerifier{Store: st}, queue, gh, config.Default())
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &fixture{t: t, st: st, queue: queue, gh: gh, srv: srv, user: user, key: plaintext}
}

// do sends an authenticated request, marshaling body as JSON when non-nil.
func (f *fixture) do(method, path string, body any) *http.Response {
	f.t.Helper()
	var raw string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("marshal body: %v", err)
		}
		raw = string(b)
	}
	return f.doRaw(method, path, raw)
}

// doRaw sends an authenticated request with a literal body.
func (f *fixture) doRaw(method, path, body string) *http.Response {
	f.t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader([]byte(body)))
	if err != nil {
		f.t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d", resp.StatusCode, want)
	}
}

func TestHealthzUnauthenticated(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)

	var got healthResponse
	decodeJSON(t, resp, &got)
	if got.Status != "ok" {
		t.Errorf("status = %q, want ok", got.Status)
	}
	if got.StartedAt == "" {
		t.Error("startedAt missing")
	}
}

func TestRequireKeyRejects(t *testing.T) {
	f := newFixture(t)

	headers := map[string]string{
		"no header":    "",
		"empty bearer": "Bearer ",
		"wrong scheme": "Token " + f.key,
		"unknown key":  "Bearer ock_deadbeef_wrongsecret",
		"garbage":      "Bearer not-a-key",
	}
	for name, header := range headers {
		t.Run(name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/tasks", nil)
			if err != nil {
				t.Fatalf("build request: %v", err)
			}
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("GET /api/tasks: %v", err)
			}
			wantStatus(t, resp, http.StatusUnauthorized)

			var body map[string]string
			decodeJSON(t, resp, &body)
			if body["error"] != "unauthorized" {
				t.Errorf("error = %q, want unauthorized", body["error"])
			}
		})
	}
}

func TestRequireKeyAccepts(t *testing.T) {
	f := newFixture(t)

	resp := f.do(http.MethodGet, "/api/tasks", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestVerifyAccess(t *testing.T) {
	f := newFixture(t)
	f.gh.result = &github.AccessResult{
		HasAccess:  true,
		Repository: "falleco/widgets",
		Permissions: &github.Permissions{
			Push: true,
			Pull: true,
		},
	}

	resp := f.do(http.MethodPost, "/api/github/verify-access",
		map[string]string{"repository": "falleco/widgets"})
	wantStatus(t, resp, http.StatusOK)

	var got github.AccessResult
	decodeJSON(t, resp, &got)
	if !got.HasAccess {
		t.Error("hasAccess = false, want true")
	}
	if got.Permissions == nil || !got.Permissions.Push {
		t.Errorf("permissions = %+v, want push", got.Permissions)
	}
	if got := f.gh.seen(); got != "falleco/widgets" {
		t.Errorf("verifier saw %q, want falleco/widgets", got)
	}
}

func TestVerifyAccessDeniedStaysOK(t *testing.T) {
	f := newFixture(t)
	f.gh.result = &github.AccessResult{HasAccess: false, Error: "repository not found or no access"}

	resp := f.do(http.MethodPost, "/api/github/verify-access",
		map[string]string{"repository": "falleco/private"})
	wantStatus(t, resp, http.StatusOK)

	var got github.AccessResult
	decodeJSON(t, resp, &got)
	if got.HasAccess {
		t.Error("hasAccess = true, want false")
	}
	if !strings.Contains(got.Error, "not found") {
		t.Errorf("error = %q, want not-found text", got.Error)
	}
}

func TestVerifyAccessMalformed(t *testing.T) {
	f := newFixture(t)
	f.gh.err = github.ErrInvalidRepository

	resp := f.do(http.MethodPost, "/api/github/verify-access",
		map[string]string{"repository": "not-a-repo"})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestVerifyAccessBadJSON(t *testing.T) {
	f := newFixture(t)

	resp := f.doRaw(http.MethodPost, "/api/github/verify-access", `{"repository":`)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}
