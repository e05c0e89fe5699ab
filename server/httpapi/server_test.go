package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/directory"
	"github.com/migadu/soramail/mailbox"
	"github.com/migadu/soramail/pkg/health"
	"github.com/migadu/soramail/pkg/metrics"
	"github.com/migadu/soramail/rules"
	"github.com/migadu/soramail/server/cleaner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "secret"

type mockMailboxes struct {
	mock.Mock
}

func (m *mockMailboxes) Folders(ctx context.Context, owner string) ([]mailbox.FolderInfo, error) {
	args := m.Called(ctx, owner)
	folders, _ := args.Get(0).([]mailbox.FolderInfo)
	return folders, args.Error(1)
}

func (m *mockMailboxes) UnreadCount(ctx context.Context, owner string) (int, error) {
	args := m.Called(ctx, owner)
	return args.Int(0), args.Error(1)
}

func (m *mockMailboxes) PurgeTrash(ctx context.Context, owner string, retention time.Duration) (int, error) {
	args := m.Called(ctx, owner, retention)
	return args.Int(0), args.Error(1)
}

type ruleTable map[string][]rules.Rule

func (t ruleTable) List(ctx context.Context, owner string) ([]rules.Rule, error) {
	return t[owner], nil
}

type fixedStats metrics.AdmissionStats

func (f fixedStats) Stats() metrics.AdmissionStats { return metrics.AdmissionStats(f) }

type cleanupFunc func(ctx context.Context) (cleaner.Report, error)

func (f cleanupFunc) RunOnce(ctx context.Context) (cleaner.Report, error) { return f(ctx) }

func newTestServer(t *testing.T, mb *mockMailboxes, opts ...func(*ServerOptions)) http.Handler {
	t.Helper()
	o := ServerOptions{
		APIKey:    testAPIKey,
		Mailboxes: mb,
		Rules: ruleTable{"alice": {{
			ID: "r1", Name: "Invoices", Property: rules.PropertySubject,
			Matcher: rules.MatchContains, Value: "invoice", Action: rules.ActionMove, NewFolder: "Finance",
		}}},
		Users:     directory.NewStatic("example.com", "alice", "bob"),
		Admission: fixedStats{Issued: 3, Acknowledged: 7},
		Cleanup: cleanupFunc(func(ctx context.Context) (cleaner.Report, error) {
			return cleaner.Report{Owners: 2, Purged: 5}, nil
		}),
	}
	for _, fn := range opts {
		fn(&o)
	}
	s, err := New(o)
	require.NoError(t, err)
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(ServerOptions{})
	assert.Error(t, err)

	_, err = New(ServerOptions{APIKey: "k", TLS: true})
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	h := newTestServer(t, new(mockMailboxes))

	req := httptest.NewRequest("GET", "/api/v1/admission/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Basic abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAllowedHosts(t *testing.T) {
	h := newTestServer(t, new(mockMailboxes), func(o *ServerOptions) {
		o.AllowedHosts = []string{"10.0.0.0/8", "192.168.1.5"}
	})

	tests := []struct {
		remote string
		want   int
	}{
		{"10.1.2.3:5555", http.StatusOK},
		{"192.168.1.5:1234", http.StatusOK},
		{"172.16.0.1:1234", http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/api/v1/admission/stats", nil)
		req.RemoteAddr = tt.remote
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tt.want, rec.Code, tt.remote)
	}
}

func TestFolders(t *testing.T) {
	mb := new(mockMailboxes)
	mb.On("Folders", mock.Anything, "alice").Return([]mailbox.FolderInfo{
		{Name: consts.FolderInbox, System: true, Total: 4, Unread: 1},
		{Name: "Finance", Total: 2},
	}, nil)
	h := newTestServer(t, mb)

	rec := do(t, h, "GET", "/api/v1/users/alice/folders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.EqualValues(t, 2, out["total"])
	folders := out["folders"].([]any)
	assert.Equal(t, consts.FolderInbox, folders[0].(map[string]any)["name"])
	mb.AssertExpectations(t)
}

func TestUnknownUser(t *testing.T) {
	mb := new(mockMailboxes)
	h := newTestServer(t, mb)

	rec := do(t, h, "GET", "/api/v1/users/mallory/unread-count", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	mb.AssertNotCalled(t, "UnreadCount", mock.Anything, mock.Anything)
}

func TestUnreadCount(t *testing.T) {
	mb := new(mockMailboxes)
	mb.On("UnreadCount", mock.Anything, "bob").Return(3, nil)
	h := newTestServer(t, mb)

	rec := do(t, h, "GET", "/api/v1/users/bob/unread-count", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["unread"])

	rec = do(t, h, "GET", "/api/v1/users/Bob@Example.com/unread-count", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", decode(t, rec)["owner"])
}

func TestPurgeTrash(t *testing.T) {
	mb := new(mockMailboxes)
	mb.On("PurgeTrash", mock.Anything, "alice", 30*24*time.Hour).Return(2, nil).Once()
	mb.On("PurgeTrash", mock.Anything, "alice", 12*time.Hour).Return(5, nil).Once()
	h := newTestServer(t, mb)

	rec := do(t, h, "POST", "/api/v1/users/alice/purge-trash", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["purged"])

	rec = do(t, h, "POST", "/api/v1/users/alice/purge-trash", `{"retention":"12h"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 5, decode(t, rec)["purged"])

	rec = do(t, h, "POST", "/api/v1/users/alice/purge-trash", `{"retention":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "POST", "/api/v1/users/alice/purge-trash", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	mb.AssertExpectations(t)
}

func TestServiceErrorMapping(t *testing.T) {
	mb := new(mockMailboxes)
	mb.On("UnreadCount", mock.Anything, "alice").Return(0, errors.New("disk on fire"))
	mb.On("Folders", mock.Anything, "alice").Return(nil, consts.ErrFolderNotFound)
	h := newTestServer(t, mb)

	rec := do(t, h, "GET", "/api/v1/users/alice/unread-count", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")

	rec = do(t, h, "GET", "/api/v1/users/alice/folders", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSieveExport(t *testing.T) {
	h := newTestServer(t, new(mockMailboxes))

	rec := do(t, h, "GET", "/api/v1/users/alice/rules/sieve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/sieve")
	assert.Contains(t, rec.Body.String(), `require ["fileinto"];`)
	assert.Contains(t, rec.Body.String(), `fileinto "Finance";`)

	rec = do(t, h, "GET", "/api/v1/users/bob/rules/sieve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "keep;\n", rec.Body.String())
}

func TestAdmissionStats(t *testing.T) {
	h := newTestServer(t, new(mockMailboxes))
	rec := do(t, h, "GET", "/api/v1/admission/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.EqualValues(t, 3, out["issued"])
	assert.EqualValues(t, 7, out["acknowledged"])

	h = newTestServer(t, new(mockMailboxes), func(o *ServerOptions) { o.Admission = nil })
	rec = do(t, h, "GET", "/api/v1/admission/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCleanupRun(t *testing.T) {
	h := newTestServer(t, new(mockMailboxes))
	rec := do(t, h, "POST", "/api/v1/cleanup/run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.EqualValues(t, 5, out["purged"])
	assert.EqualValues(t, 2, out["owners"])

	h = newTestServer(t, new(mockMailboxes), func(o *ServerOptions) {
		o.Cleanup = cleanupFunc(func(ctx context.Context) (cleaner.Report, error) {
			return cleaner.Report{}, cleaner.ErrAlreadyRunning
		})
	})
	rec = do(t, h, "POST", "/api/v1/cleanup/run", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, new(mockMailboxes))
	rec := do(t, h, "GET", "/api/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	failing := errors.New("read-only file system")
	m := health.NewMonitor()
	m.Register(health.Check{Name: "mailstore", Critical: true, Probe: func(context.Context) error { return failing }})
	m.RunChecks(context.Background())

	h = newTestServer(t, new(mockMailboxes), func(o *ServerOptions) { o.Health = m })
	rec = do(t, h, "GET", "/api/v1/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "unhealthy", out["status"])
	components := out["components"].(map[string]any)
	assert.Equal(t, "read-only file system", components["mailstore"].(map[string]any)["last_error"])

	failing = nil
	m.RunChecks(context.Background())
	rec = do(t, h, "GET", "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])
}

func TestWrongMethod(t *testing.T) {
	h := newTestServer(t, new(mockMailboxes))
	rec := do(t, h, "GET", "/api/v1/cleanup/run", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
