package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fabrica-dev/fabrica/pkg/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func userMessage(projectID, content string) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Role:      domain.RoleUser,
		Type:      domain.TypeResult,
		Content:   content,
	}
}

func TestProjectCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &domain.Project{ID: "proj-1", Name: "Todo App"}

	if err := s.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, "proj-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Todo App" {
		t.Errorf("Name = %q, want %q", got.Name, "Todo App")
	}
	if got.SandboxID != "" {
		t.Errorf("SandboxID = %q, want empty", got.SandboxID)
	}

	if err := s.SetSandboxID(ctx, "proj-1", "sbx-abc"); err != nil {
		t.Fatalf("SetSandboxID: %v", err)
	}
	got2, _ := s.Get(ctx, "proj-1")
	if got2.SandboxID != "sbx-abc" {
		t.Errorf("SandboxID = %q, want %q", got2.SandboxID, "sbx-abc")
	}

	projects, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(projects) != 1 {
		t.Errorf("List len = %d, want 1", len(projects))
	}

	if err := s.Delete(ctx, "proj-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "proj-1"); err == nil {
		t.Error("expected error after delete, got nil")
	}
}

func TestMessageAppendOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Create(ctx, &domain.Project{ID: "proj-1", Name: "test"})

	contents := []string{"first", "second", "third"}
	for _, c := range contents {
		if err := s.Append(ctx, userMessage("proj-1", c)); err != nil {
			t.Fatalf("Append %q: %v", c, err)
		}
	}

	msgs, err := s.List(ctx, "proj-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	for i, c := range contents {
		if msgs[i].Content != c {
			t.Errorf("msgs[%d].Content = %q, want %q", i, msgs[i].Content, c)
		}
	}
}

func TestUpsertThinking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Create(ctx, &domain.Project{ID: "proj-1", Name: "test"})
	s.Append(ctx, userMessage("proj-1", "build it"))

	first, err := s.UpsertThinking(ctx, "proj-1", "Processing...")
	if err != nil {
		t.Fatalf("UpsertThinking (create): %v", err)
	}

	second, err := s.UpsertThinking(ctx, "proj-1", "Setting up project structure")
	if err != nil {
		t.Fatalf("UpsertThinking (update): %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("update created a new message: %s != %s", second.ID, first.ID)
	}

	msgs, _ := s.List(ctx, "proj-1")
	var thinking []domain.Message
	for _, m := range msgs {
		if m.Type == domain.TypeThinking {
			thinking = append(thinking, m)
		}
	}
	if len(thinking) != 1 {
		t.Fatalf("thinking message count = %d, want 1", len(thinking))
	}
	if thinking[0].Content != "Setting up project structure" {
		t.Errorf("Content = %q, want updated content", thinking[0].Content)
	}
	if !thinking[0].CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on update")
	}
	// The updated message must keep its original log position.
	if msgs[len(msgs)-1].ID != thinking[0].ID {
		t.Errorf("thinking message moved in the log")
	}
}

func TestAppendTerminalResolvesThinking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Create(ctx, &domain.Project{ID: "proj-1", Name: "test"})
	s.Append(ctx, userMessage("proj-1", "build it"))
	s.UpsertThinking(ctx, "proj-1", "working")

	frag := &domain.Fragment{
		ID:         uuid.New().String(),
		ProjectID:  "proj-1",
		Title:      "Todo App",
		Files:      map[string]string{"app/page.tsx": "export default function Page() {}"},
		PreviewURL: "http://127.0.0.1:49213",
	}
	terminal := &domain.Message{
		ID:        uuid.New().String(),
		ProjectID: "proj-1",
		Role:      domain.RoleAssistant,
		Type:      domain.TypeResult,
		Content:   "Built a todo app.",
	}
	if err := s.AppendTerminal(ctx, terminal, frag); err != nil {
		t.Fatalf("AppendTerminal: %v", err)
	}

	msgs, _ := s.List(ctx, "proj-1")
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2 (user + result)", len(msgs))
	}
	for _, m := range msgs {
		if m.Type == domain.TypeThinking {
			t.Error("thinking message not resolved")
		}
	}

	last := msgs[len(msgs)-1]
	if last.Type != domain.TypeResult {
		t.Fatalf("last message type = %s, want RESULT", last.Type)
	}
	if last.Fragment == nil {
		t.Fatal("fragment not joined on read")
	}
	if last.Fragment.Files["app/page.tsx"] == "" {
		t.Errorf("fragment files not round-tripped: %#v", last.Fragment.Files)
	}

	got, err := s.GetFragment(ctx, frag.ID)
	if err != nil {
		t.Fatalf("GetFragment: %v", err)
	}
	if got.Title != "Todo App" || got.PreviewURL != frag.PreviewURL {
		t.Errorf("fragment = %+v", got)
	}
}

func TestAppendTerminalWithoutFragment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Create(ctx, &domain.Project{ID: "proj-1", Name: "test"})
	s.UpsertThinking(ctx, "proj-1", "working")

	terminal := &domain.Message{
		ID:        uuid.New().String(),
		ProjectID: "proj-1",
		Role:      domain.RoleAssistant,
		Type:      domain.TypeError,
		Content:   "Something went wrong. Please try again.",
	}
	if err := s.AppendTerminal(ctx, terminal, nil); err != nil {
		t.Fatalf("AppendTerminal: %v", err)
	}

	msgs, _ := s.List(ctx, "proj-1")
	if len(msgs) != 1 {
		t.Fatalf("len = %d, want 1", len(msgs))
	}
	if msgs[0].Type != domain.TypeError {
		t.Errorf("type = %s, want ERROR", msgs[0].Type)
	}
	if msgs[0].Fragment != nil {
		t.Error("unexpected fragment on error message")
	}
}

func TestSubscribeNotifiesOnWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Create(ctx, &domain.Project{ID: "proj-1", Name: "test"})
	ch := s.Subscribe()

	s.Append(ctx, userMessage("proj-1", "hello"))

	select {
	case id := <-ch:
		if id != "proj-1" {
			t.Errorf("notified project = %q, want proj-1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}
}
