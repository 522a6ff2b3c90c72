package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fabrica-dev/fabrica/pkg/domain"
	"github.com/fabrica-dev/fabrica/pkg/sandbox"
	"github.com/fabrica-dev/fabrica/pkg/store/sqlite"
)

type fakeSession struct {
	id      string
	preview string
}

func (s *fakeSession) ID() string { return s.id }
func (s *fakeSession) ExtendTimeout(ctx context.Context, d time.Duration) error {
	return nil
}
func (s *fakeSession) RunCommand(ctx context.Context, command string) (*sandbox.Result, error) {
	return &sandbox.Result{}, nil
}
func (s *fakeSession) ReadFiles(ctx context.Context, dir string) (map[string]string, error) {
	return nil, nil
}
func (s *fakeSession) PreviewURL() string { return s.preview }

type fakeManager struct {
	sess       *fakeSession
	connectErr error
}

func (m *fakeManager) Create(ctx context.Context, projectID string) (sandbox.Session, error) {
	return m.sess, nil
}
func (m *fakeManager) Connect(ctx context.Context, id string) (sandbox.Session, error) {
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	return m.sess, nil
}
func (m *fakeManager) Run(ctx context.Context) error { return nil }
func (m *fakeManager) Close() error                  { return nil }

func newTestServer(t *testing.T, mgr sandbox.Manager) (*Server, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if mgr == nil {
		mgr = &fakeManager{sess: &fakeSession{id: "sbx-1"}}
	}
	return New(s, s, s, mgr), s
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCreateProjectSeedsPrompt(t *testing.T) {
	srv, s := newTestServer(t, nil)
	h := srv.Handler()

	w := doJSON(t, h, "POST", "/api/projects", map[string]string{
		"name":   "todo",
		"prompt": "build a todo app",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var project domain.Project
	if err := json.NewDecoder(w.Body).Decode(&project); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.List(context.Background(), project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != domain.RoleUser || msgs[0].Content != "build a todo app" {
		t.Errorf("seeded log = %+v", msgs)
	}
}

func TestCreateProjectRequiresName(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := doJSON(t, srv.Handler(), "POST", "/api/projects", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestListMessagesPollHint(t *testing.T) {
	srv, s := newTestServer(t, nil)
	h := srv.Handler()
	ctx := context.Background()

	projectID := uuid.New().String()
	s.Create(ctx, &domain.Project{ID: projectID, Name: "todo"})

	// Idle log: slow hint.
	w := doJSON(t, h, "GET", "/api/projects/"+projectID+"/messages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("X-Poll-Interval"); got != "2000" {
		t.Errorf("idle poll hint = %q, want 2000", got)
	}

	// Pending user message: fast hint.
	s.Append(ctx, &domain.Message{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Role:      domain.RoleUser,
		Type:      domain.TypeResult,
		Content:   "build it",
	})
	w = doJSON(t, h, "GET", "/api/projects/"+projectID+"/messages", nil)
	if got := w.Header().Get("X-Poll-Interval"); got != "1000" {
		t.Errorf("processing poll hint = %q, want 1000", got)
	}
}

func TestCreateMessageConflictWhileProcessing(t *testing.T) {
	srv, s := newTestServer(t, nil)
	h := srv.Handler()
	ctx := context.Background()

	projectID := uuid.New().String()
	s.Create(ctx, &domain.Project{ID: projectID, Name: "todo"})

	w := doJSON(t, h, "POST", "/api/projects/"+projectID+"/messages",
		map[string]string{"content": "build a todo app"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("first post status = %d, body = %s", w.Code, w.Body.String())
	}

	// The turn has not resolved, so a second prompt must be rejected.
	w = doJSON(t, h, "POST", "/api/projects/"+projectID+"/messages",
		map[string]string{"content": "also add dark mode"})
	if w.Code != http.StatusConflict {
		t.Fatalf("second post status = %d, want 409", w.Code)
	}

	// Resolve the turn, then the next prompt is accepted again.
	s.AppendTerminal(ctx, &domain.Message{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Role:      domain.RoleAssistant,
		Type:      domain.TypeResult,
		Content:   "done",
	}, nil)
	w = doJSON(t, h, "POST", "/api/projects/"+projectID+"/messages",
		map[string]string{"content": "also add dark mode"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("post after resolution status = %d", w.Code)
	}
}

func TestCreateMessageUnknownProject(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := doJSON(t, srv.Handler(), "POST", "/api/projects/nope/messages",
		map[string]string{"content": "hi"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestGetFragment(t *testing.T) {
	srv, s := newTestServer(t, nil)
	h := srv.Handler()
	ctx := context.Background()

	projectID := uuid.New().String()
	s.Create(ctx, &domain.Project{ID: projectID, Name: "todo"})
	frag := &domain.Fragment{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Title:     "Todo App",
		Files:     map[string]string{"app/page.tsx": "..."},
	}
	s.AppendTerminal(ctx, &domain.Message{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Role:      domain.RoleAssistant,
		Type:      domain.TypeResult,
		Content:   "done",
	}, frag)

	w := doJSON(t, h, "GET", "/api/fragments/"+frag.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got domain.Fragment
	json.NewDecoder(w.Body).Decode(&got)
	if got.Title != "Todo App" || len(got.Files) != 1 {
		t.Errorf("fragment = %+v", got)
	}

	if w := doJSON(t, h, "GET", "/api/fragments/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing fragment status = %d", w.Code)
	}
}

func TestSandboxStatus(t *testing.T) {
	mgr := &fakeManager{sess: &fakeSession{id: "sbx-1", preview: "http://127.0.0.1:49213"}}
	srv, s := newTestServer(t, mgr)
	h := srv.Handler()
	ctx := context.Background()

	projectID := uuid.New().String()
	s.Create(ctx, &domain.Project{ID: projectID, Name: "todo"})

	var resp map[string]string
	w := doJSON(t, h, "GET", "/api/projects/"+projectID+"/sandbox/status", nil)
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != "none" {
		t.Errorf("status = %q, want none", resp["status"])
	}

	s.SetSandboxID(ctx, projectID, "sbx-1")
	w = doJSON(t, h, "GET", "/api/projects/"+projectID+"/sandbox/status", nil)
	resp = map[string]string{}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != "running" || resp["preview_url"] != "http://127.0.0.1:49213" {
		t.Errorf("status resp = %v", resp)
	}

	mgr.connectErr = sandbox.ErrUnavailable
	w = doJSON(t, h, "GET", "/api/projects/"+projectID+"/sandbox/status", nil)
	resp = map[string]string{}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != "unavailable" {
		t.Errorf("status = %q, want unavailable", resp["status"])
	}
}

func TestDeleteProject(t *testing.T) {
	srv, s := newTestServer(t, nil)
	h := srv.Handler()
	ctx := context.Background()

	projectID := uuid.New().String()
	s.Create(ctx, &domain.Project{ID: projectID, Name: "todo"})

	if w := doJSON(t, h, "DELETE", "/api/projects/"+projectID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if w := doJSON(t, h, "GET", "/api/projects/"+projectID, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", w.Code)
	}
}
