package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fabrica-dev/fabrica/pkg/domain"
	"github.com/fabrica-dev/fabrica/pkg/store"
)

// Store implements ProjectStore, MessageStore, and FragmentStore using SQLite.
type Store struct {
	db          *sql.DB
	subscribers []chan string
	mu          sync.RWMutex
}

// Verify interface compliance at compile time.
var _ store.ProjectStore = (*Store)(nil)
var _ store.MessageStore = (*Store)(nil)
var _ store.FragmentStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		sandbox_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS fragments (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		files TEXT NOT NULL DEFAULT '{}',
		preview_url TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_fragments_project ON fragments(project_id);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		role TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		fragment_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		seq INTEGER NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_project_seq ON messages(project_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- ProjectStore ---

func (s *Store) Create(ctx context.Context, p *domain.Project) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, sandbox_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.SandboxID, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Project, error) {
	p := &domain.Project{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, sandbox_id, created_at, updated_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.SandboxID, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project not found: %s", id)
	}
	return p, err
}

func (s *Store) List(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, sandbox_id, created_at, updated_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.SandboxID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Store) SetSandboxID(ctx context.Context, projectID, sandboxID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE projects SET sandbox_id=?, updated_at=? WHERE id=?`,
		sandboxID, time.Now().UTC(), projectID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project not found: %s", projectID)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE project_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fragments WHERE project_id=?`, id); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project not found: %s", id)
	}
	return tx.Commit()
}

// --- MessageStore ---

func (s *Store) Append(ctx context.Context, msg *domain.Message) error {
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertMessage(ctx, tx, msg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.notifySubscribers(msg.ProjectID)
	return nil
}

func (s *Store) List(ctx context.Context, projectID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.project_id, m.role, m.type, m.content, m.fragment_id, m.created_at, m.updated_at,
		        f.id, f.project_id, f.title, f.files, f.preview_url, f.created_at
		 FROM messages m
		 LEFT JOIN fragments f ON f.id = m.fragment_id AND m.fragment_id != ''
		 WHERE m.project_id=? ORDER BY m.seq ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var fID, fProjectID, fTitle, fFiles, fPreview sql.NullString
		var fCreated sql.NullTime
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Role, &m.Type, &m.Content, &m.FragmentID,
			&m.CreatedAt, &m.UpdatedAt,
			&fID, &fProjectID, &fTitle, &fFiles, &fPreview, &fCreated,
		); err != nil {
			return nil, err
		}
		if fID.Valid {
			frag := &domain.Fragment{
				ID:         fID.String,
				ProjectID:  fProjectID.String,
				Title:      fTitle.String,
				PreviewURL: fPreview.String,
				CreatedAt:  fCreated.Time,
			}
			if err := json.Unmarshal([]byte(fFiles.String), &frag.Files); err != nil {
				return nil, fmt.Errorf("decoding fragment files: %w", err)
			}
			m.Fragment = frag
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) UpsertThinking(ctx context.Context, projectID, content string) (*domain.Message, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	msg := &domain.Message{
		ProjectID: projectID,
		Role:      domain.RoleAssistant,
		Type:      domain.TypeThinking,
		Content:   content,
		UpdatedAt: now,
	}

	// The THINKING message keeps its original log position: an update must
	// never be observable as a new entry.
	err = tx.QueryRowContext(ctx,
		`SELECT id, created_at FROM messages WHERE project_id=? AND type=?`,
		projectID, domain.TypeThinking,
	).Scan(&msg.ID, &msg.CreatedAt)
	switch {
	case err == sql.ErrNoRows:
		msg.ID = uuid.New().String()
		msg.CreatedAt = now
		if err := insertMessage(ctx, tx, msg); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET content=?, updated_at=? WHERE id=?`,
			content, now, msg.ID,
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.notifySubscribers(projectID)
	return msg, nil
}

func (s *Store) AppendTerminal(ctx context.Context, msg *domain.Message, frag *domain.Fragment) error {
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE project_id=? AND type=?`,
		msg.ProjectID, domain.TypeThinking,
	); err != nil {
		return err
	}

	if frag != nil {
		frag.CreatedAt = now
		files, err := json.Marshal(frag.Files)
		if err != nil {
			return fmt.Errorf("encoding fragment files: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fragments (id, project_id, title, files, preview_url, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			frag.ID, frag.ProjectID, frag.Title, string(files), frag.PreviewURL, frag.CreatedAt,
		); err != nil {
			return err
		}
		msg.FragmentID = frag.ID
		msg.Fragment = frag
	}

	if err := insertMessage(ctx, tx, msg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.notifySubscribers(msg.ProjectID)
	return nil
}

// insertMessage assigns the next per-project sequence number and inserts the
// row. Must be called within a transaction so the seq assignment and insert
// are atomic with respect to concurrent writers.
func insertMessage(ctx context.Context, tx *sql.Tx, msg *domain.Message) error {
	var maxSeq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE project_id=?`,
		msg.ProjectID,
	).Scan(&maxSeq); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, project_id, role, type, content, fragment_id, created_at, updated_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ProjectID, msg.Role, msg.Type, msg.Content, msg.FragmentID,
		msg.CreatedAt, msg.UpdatedAt, maxSeq+1,
	)
	return err
}

func (s *Store) Subscribe() <-chan string {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notifySubscribers(projectID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- projectID:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}

// --- FragmentStore ---

func (s *Store) GetFragment(ctx context.Context, id string) (*domain.Fragment, error) {
	frag := &domain.Fragment{}
	var files string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, title, files, preview_url, created_at FROM fragments WHERE id=?`, id,
	).Scan(&frag.ID, &frag.ProjectID, &frag.Title, &files, &frag.PreviewURL, &frag.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("fragment not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &frag.Files); err != nil {
		return nil, fmt.Errorf("decoding fragment files: %w", err)
	}
	return frag, nil
}
