package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duedigest/internal/domain"
	"duedigest/internal/firing"
	"duedigest/internal/storage"
	logx "duedigest/pkg/logx"
)

// fakeRegistry flips the link in the real store and records triggers in memory.
type fakeRegistry struct {
	st          *storage.Store
	mu          sync.Mutex
	installed   map[string]domain.Recurrence
	reinstalled []string
}

func (r *fakeRegistry) Link(ctx context.Context, ownerID, subjectID string, rec domain.Recurrence) error {
	if err := r.st.LinkSubject(ctx, ownerID, subjectID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installed[domain.TriggerKey(ownerID, subjectID)] = rec
	return nil
}

func (r *fakeRegistry) Unlink(ctx context.Context, ownerID, subjectID string) error {
	if err := r.st.UnlinkSubject(ctx, ownerID, subjectID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.installed, domain.TriggerKey(ownerID, subjectID))
	return nil
}

func (r *fakeRegistry) ReinstallOwner(_ context.Context, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reinstalled = append(r.reinstalled, ownerID)
	return nil
}

type fakeFirer struct{ err error }

func (f fakeFirer) Fire(_ context.Context, ownerID, subjectID string) (domain.Firing, error) {
	if f.err != nil {
		return domain.Firing{}, f.err
	}
	key := domain.TriggerKey(ownerID, subjectID)
	return domain.Firing{ID: domain.ManualFiringID(key, "n1"), Key: key, Manual: true, ScheduledFor: time.Now()}, nil
}

type fakeQueue struct{}

func (fakeQueue) Counts(context.Context) (map[storage.JobStatus]int, error) {
	return map[storage.JobStatus]int{storage.JobWaiting: 2, storage.JobFailed: 1}, nil
}

type env struct {
	st  *storage.Store
	reg *fakeRegistry
	srv *httptest.Server
}

func newEnv(t *testing.T, cfg Config, firer Firer) *env {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	require.NoError(t, err)
	reg := &fakeRegistry{st: st, installed: map[string]domain.Recurrence{}}
	if firer == nil {
		firer = fakeFirer{}
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) })
	srv := httptest.NewServer(NewRouter(cfg, Deps{Store: st, Registry: reg, Firer: firer, Queue: fakeQueue{}, Metrics: metrics}, logx.Nop()))
	t.Cleanup(func() {
		srv.Close()
		_ = st.Close()
	})
	return &env{st: st, reg: reg, srv: srv}
}

func (e *env) do(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func ownerBody() map[string]any {
	return map[string]any{
		"name":    "parent",
		"address": "+15550000001",
		"recurrence": map[string]any{
			"hour": 7, "minute": 30, "weekdays": []int{1, 3, 5}, "timezone": "America/New_York",
		},
	}
}

func TestRegisterLinkFireAndUnlink(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{}, nil)

	resp := e.do(t, http.MethodPost, "/api/owners", ownerBody(), "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	owner := decodeBody[domain.Owner](t, resp)
	assert.NotEmpty(t, owner.ID)
	assert.Equal(t, 30, owner.Recurrence.Minute)

	resp = e.do(t, http.MethodPost, "/api/subjects", map[string]any{
		"name": "kid", "domain": "school.example.com", "credential_ref": "KID_TOKEN",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	subj := decodeBody[domain.Subject](t, resp)

	path := "/api/owners/" + owner.ID + "/subjects/" + subj.ID
	resp = e.do(t, http.MethodPost, path, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	key := domain.TriggerKey(owner.ID, subj.ID)
	assert.Equal(t, 7, e.reg.installed[key].Hour)

	link, err := e.st.GetLink(context.Background(), owner.ID, subj.ID)
	require.NoError(t, err)
	assert.True(t, link.Active)

	resp = e.do(t, http.MethodPost, path+"/fire", nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	fired := decodeBody[map[string]any](t, resp)
	assert.Contains(t, fired["firing_id"], "@manual-")

	resp = e.do(t, http.MethodDelete, path, nil, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotContains(t, e.reg.installed, key)
	link, err = e.st.GetLink(context.Background(), owner.ID, subj.ID)
	require.NoError(t, err)
	assert.False(t, link.Active)
}

func TestValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{}, nil)

	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"bad address", func(b map[string]any) { b["address"] = "555-1234" }},
		{"hour out of range", func(b map[string]any) { b["recurrence"].(map[string]any)["hour"] = 24 }},
		{"missing minute", func(b map[string]any) { delete(b["recurrence"].(map[string]any), "minute") }},
		{"bad weekday", func(b map[string]any) { b["recurrence"].(map[string]any)["weekdays"] = []int{7} }},
		{"bad timezone", func(b map[string]any) { b["recurrence"].(map[string]any)["timezone"] = "Mars/Base" }},
		{"unknown field", func(b map[string]any) { b["extra"] = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := ownerBody()
			tc.mutate(body)
			resp := e.do(t, http.MethodPost, "/api/owners", body, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestLinkUnknownOwnerIsNotFound(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{}, nil)
	resp := e.do(t, http.MethodPost, "/api/owners/nope/subjects/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFireInactivePairIsConflict(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{}, fakeFirer{err: firing.ErrInactive})
	resp := e.do(t, http.MethodPost, "/api/owners/a/subjects/b/fire", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUpdateOwnerReinstallsTriggers(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{}, nil)
	owner, err := e.st.CreateOwner(context.Background(), domain.Owner{Name: "p", Address: "+15550000001"})
	require.NoError(t, err)

	body := ownerBody()
	body["recurrence"].(map[string]any)["hour"] = 18
	resp := e.do(t, http.MethodPut, "/api/owners/"+owner.ID, body, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{owner.ID}, e.reg.reinstalled)

	got, err := e.st.GetOwner(context.Background(), owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 18, got.Recurrence.Hour)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{Token: "s3cret"}, nil)

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/queue", nil, "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/queue", nil, "wrong").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/metrics", nil, "").StatusCode)

	resp := e.do(t, http.MethodGet, "/api/queue", nil, "s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	counts := decodeBody[map[string]int](t, resp)
	assert.Equal(t, 2, counts["waiting"])

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/queue?token=s3cret", nil, "").StatusCode)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil, "").StatusCode)
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := newEnv(t, Config{}, nil)
	assert.Equal(t, http.StatusNotFound, off.do(t, http.MethodGet, "/debug/pprof/", nil, "").StatusCode)

	on := newEnv(t, Config{Pprof: true}, nil)
	assert.Equal(t, http.StatusOK, on.do(t, http.MethodGet, "/debug/pprof/", nil, "").StatusCode)
}

func TestSMSCallbackAdvancesStatus(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{CallbackToken: "cb"}, nil)
	ctx := context.Background()

	_, err := e.st.BeginAttempt(ctx, domain.Occurrence{FiringID: "f1", OwnerID: "o", SubjectID: "s", Recipient: "+15550000001", Role: domain.RoleOwner})
	require.NoError(t, err)
	require.NoError(t, e.st.MarkSent(ctx, "f1", "+15550000001", "SM1"))

	post := func(query string, form url.Values) int {
		resp, err := e.srv.Client().Post(e.srv.URL+"/callbacks/sms"+query, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, post("", url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}}))
	assert.Equal(t, http.StatusBadRequest, post("?token=cb", url.Values{"MessageSid": {"SM1"}}))
	assert.Equal(t, http.StatusNoContent, post("?token=cb", url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}}))
	assert.Equal(t, http.StatusNoContent, post("?token=cb", url.Values{"MessageSid": {"SM404"}, "MessageStatus": {"delivered"}}))

	occ, err := e.st.GetOccurrence(ctx, "f1", "+15550000001")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, occ.Status)

	resp := e.do(t, http.MethodGet, "/api/owners/o/occurrences?limit=10", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]domain.Occurrence](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "SM1", list[0].ProviderID)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/owners/o/occurrences?limit=0", nil, "").StatusCode)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"garbage":        false,
	} {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
