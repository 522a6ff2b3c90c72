// Package pipeline orchestrates one turn of work: from a user message to
// exactly one terminal assistant message, with a live THINKING message
// while the agent works.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabrica-dev/fabrica/pkg/agent"
	"github.com/fabrica-dev/fabrica/pkg/agent/interpret"
	"github.com/fabrica-dev/fabrica/pkg/domain"
	"github.com/fabrica-dev/fabrica/pkg/sandbox"
	"github.com/fabrica-dev/fabrica/pkg/store"
	"github.com/fabrica-dev/fabrica/pkg/thinking"
)

// TurnState tags a project's current turn. The upsert-vs-append decision is
// driven by this explicit state, not by probing the log for a THINKING row.
type TurnState int

const (
	// TurnIdle means no turn has run yet for the project.
	TurnIdle TurnState = iota
	// TurnRunning means a turn is in flight; new user messages must wait.
	TurnRunning
	// TurnTerminal means the last turn reached RESULT or ERROR.
	TurnTerminal
)

// User-safe notices. Raw errors are only ever logged.
const (
	noticeSandbox = "The build environment is unavailable. Please try again."
	noticeTimeout = "The request timed out. Please try again."
	noticeGeneric = "Something went wrong. Please try again."
)

// instructions describes the sandbox environment and the plain-text
// completion conventions the interpreter and summarizer rely on.
const instructions = `You are a senior engineer building a small web application from a user's description.

## Environment

You work inside an ephemeral sandbox. Write all application files under the workspace directory; a dev server serves them on the preview port as a live preview.

## Conventions

- While you plan, you may wrap your analysis in <task_analysis>...</task_analysis>. It is surfaced to the user as progress.
- When the application is complete, end with a short user-facing summary wrapped in <task_summary>...</task_summary>. Do not emit the marker before the work is done.`

// Config tunes per-turn sandbox handling.
type Config struct {
	// SandboxTimeout bounds a turn and is the TTL granted on each
	// keepalive extension. The remote environment disappears at this
	// deadline past the last refresh, whether or not a run is mid-flight.
	SandboxTimeout time.Duration
	// KeepaliveInterval is how often a running turn refreshes the TTL.
	KeepaliveInterval time.Duration
	// Workdir is the directory inside the sandbox holding generated files.
	Workdir string
}

func (c *Config) withDefaults() {
	if c.SandboxTimeout == 0 {
		c.SandboxTimeout = 10 * time.Minute
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = time.Minute
	}
	if c.Workdir == "" {
		c.Workdir = "/workspace"
	}
}

// Pipeline drives agent turns for all projects. Each turn runs as an
// independent background task; the message log is the only state shared
// with viewers.
type Pipeline struct {
	projects  store.ProjectStore
	messages  store.MessageStore
	sandboxes sandbox.Manager
	provider  agent.Provider
	cfg       Config

	mu    sync.Mutex
	turns map[string]TurnState
}

// New creates a new Pipeline.
func New(
	projects store.ProjectStore,
	messages store.MessageStore,
	sandboxes sandbox.Manager,
	provider agent.Provider,
	cfg Config,
) *Pipeline {
	cfg.withDefaults()
	return &Pipeline{
		projects:  projects,
		messages:  messages,
		sandboxes: sandboxes,
		provider:  provider,
		cfg:       cfg,
		turns:     make(map[string]TurnState),
	}
}

// TurnState returns the project's current turn state.
func (p *Pipeline) TurnState(projectID string) TurnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turns[projectID]
}

// Start listens for log events and launches turns. Blocks until ctx is
// cancelled.
func (p *Pipeline) Start(ctx context.Context) error {
	events := p.messages.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case projectID := <-events:
			if err := p.maybeStartTurn(ctx, projectID); err != nil {
				slog.Error("Pipeline event error", "projectID", projectID, "error", err)
			}
		}
	}
}

// maybeStartTurn begins a turn when the log ends in an unanswered user
// message and no turn is already running for the project.
func (p *Pipeline) maybeStartTurn(ctx context.Context, projectID string) error {
	msgs, err := p.messages.List(ctx, projectID)
	if err != nil {
		return fmt.Errorf("loading log: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	if last := msgs[len(msgs)-1]; last.Role != domain.RoleUser {
		// Our own writes (THINKING updates, terminal messages) also raise
		// events; only a trailing user message starts a turn.
		return nil
	}

	p.mu.Lock()
	if p.turns[projectID] == TurnRunning {
		p.mu.Unlock()
		return nil
	}
	p.turns[projectID] = TurnRunning
	p.mu.Unlock()

	go p.runTurn(ctx, projectID, msgs)
	return nil
}

// runTurn executes one turn to its terminal message.
func (p *Pipeline) runTurn(ctx context.Context, projectID string, msgs []domain.Message) {
	defer func() {
		p.mu.Lock()
		p.turns[projectID] = TurnTerminal
		p.mu.Unlock()
	}()

	sess, err := p.acquireSandbox(ctx, projectID)
	if err != nil {
		p.failTurn(ctx, projectID, err)
		return
	}

	if _, err := p.messages.UpsertThinking(ctx, projectID, thinking.Neutral); err != nil {
		slog.Error("Failed to create thinking message", "projectID", projectID, "error", err)
	}

	// The sandbox deadline is a hard upper bound on the turn; the
	// keepalive below pushes it forward while the run makes progress.
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.SandboxTimeout)
	defer cancel()
	go p.keepalive(runCtx, cancel, sess)

	chunks, err := p.streamRun(runCtx, projectID, msgs)
	if err != nil {
		p.failTurn(ctx, projectID, err)
		return
	}

	if err := p.finishTurn(ctx, runCtx, projectID, sess, chunks); err != nil {
		p.failTurn(ctx, projectID, err)
	}
}

// acquireSandbox reconnects the project's sandbox, creating a fresh one
// when none exists yet or the old one expired.
func (p *Pipeline) acquireSandbox(ctx context.Context, projectID string) (sandbox.Session, error) {
	proj, err := p.projects.Get(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading project: %w", err)
	}

	if proj.SandboxID != "" {
		sess, err := p.sandboxes.Connect(ctx, proj.SandboxID)
		if err == nil {
			if err := sess.ExtendTimeout(ctx, p.cfg.SandboxTimeout); err != nil {
				return nil, fmt.Errorf("extending sandbox timeout: %w", err)
			}
			return sess, nil
		}
		if !errors.Is(err, sandbox.ErrUnavailable) {
			return nil, fmt.Errorf("connecting sandbox: %w", err)
		}
		slog.Info("Sandbox expired, creating a new one", "projectID", projectID, "sandboxID", proj.SandboxID)
	}

	sess, err := p.sandboxes.Create(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}
	if err := p.projects.SetSandboxID(ctx, projectID, sess.ID()); err != nil {
		return nil, fmt.Errorf("recording sandbox id: %w", err)
	}
	if err := sess.ExtendTimeout(ctx, p.cfg.SandboxTimeout); err != nil {
		return nil, fmt.Errorf("extending sandbox timeout: %w", err)
	}
	return sess, nil
}

// keepalive refreshes the sandbox TTL while the turn runs. A failed refresh
// means the environment is gone, so the run is cancelled rather than left
// to hang until the context deadline.
func (p *Pipeline) keepalive(ctx context.Context, cancel context.CancelFunc, sess sandbox.Session) {
	ticker := time.NewTicker(p.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.ExtendTimeout(ctx, p.cfg.SandboxTimeout); err != nil {
				slog.Error("Sandbox keepalive failed", "sandboxID", sess.ID(), "error", err)
				cancel()
				return
			}
		}
	}
}

// streamRun drives the agent run, upserting the THINKING message whenever
// the reasoning summary changes, and returns the full chunk sequence.
func (p *Pipeline) streamRun(ctx context.Context, projectID string, msgs []domain.Message) ([]agent.Chunk, error) {
	stream, err := p.provider.Run(ctx, instructions, historyChunks(msgs))
	if err != nil {
		return nil, fmt.Errorf("starting agent run: %w", err)
	}
	defer stream.Close()

	var chunks []agent.Chunk
	var reasoning strings.Builder
	lastSummary := thinking.Neutral

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("agent run: %w", err)
		}
		chunks = append(chunks, chunk)

		if chunk.Role != agent.RoleAssistant {
			continue
		}
		reasoning.WriteString(chunk.Flatten())
		if summary := thinking.Summarize(reasoning.String()); summary != lastSummary {
			if _, err := p.messages.UpsertThinking(ctx, projectID, summary); err != nil {
				slog.Error("Failed to update thinking message", "projectID", projectID, "error", err)
			} else {
				lastSummary = summary
			}
		}
	}
}

// finishTurn interprets the completed run and appends the terminal RESULT
// message, creating the fragment when the sandbox holds generated files.
func (p *Pipeline) finishTurn(ctx, runCtx context.Context, projectID string, sess sandbox.Session, chunks []agent.Chunk) error {
	text, ok := interpret.LastAssistantText(chunks)
	if !ok {
		return errors.New("agent run produced no assistant output")
	}
	summary, found := interpret.TaskSummary(text)
	if !found {
		return errors.New("agent run ended without a completion marker")
	}
	if summary == "" {
		summary = thinking.Format(text)
	}

	files, err := sess.ReadFiles(runCtx, p.cfg.Workdir)
	if err != nil {
		return fmt.Errorf("reading generated files: %w", err)
	}

	var frag *domain.Fragment
	if len(files) > 0 {
		frag = &domain.Fragment{
			ID:         uuid.New().String(),
			ProjectID:  projectID,
			Title:      interpret.FragmentText(chunks),
			Files:      files,
			PreviewURL: sess.PreviewURL(),
		}
	}

	msg := &domain.Message{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Role:      domain.RoleAssistant,
		Type:      domain.TypeResult,
		Content:   summary,
	}
	// Terminal writes must land even when the run context expired.
	if err := p.messages.AppendTerminal(context.WithoutCancel(ctx), msg, frag); err != nil {
		return fmt.Errorf("appending result: %w", err)
	}
	return nil
}

// failTurn converts any turn failure into the single terminal ERROR
// message, resolving the THINKING message with it. Viewers only ever read
// the log, so no error propagates past this point.
func (p *Pipeline) failTurn(ctx context.Context, projectID string, cause error) {
	slog.Error("Turn failed", "projectID", projectID, "error", cause)

	notice := noticeGeneric
	switch {
	case errors.Is(cause, sandbox.ErrUnavailable):
		notice = noticeSandbox
	case errors.Is(cause, context.DeadlineExceeded):
		notice = noticeTimeout
	}

	msg := &domain.Message{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Role:      domain.RoleAssistant,
		Type:      domain.TypeError,
		Content:   notice,
	}
	if err := p.messages.AppendTerminal(context.WithoutCancel(ctx), msg, nil); err != nil {
		slog.Error("Failed to append error message", "projectID", projectID, "error", err)
	}
}

// historyChunks converts the display log to the agent's chunk form. The
// THINKING message never enters the conversation context.
func historyChunks(msgs []domain.Message) []agent.Chunk {
	var out []agent.Chunk
	for _, m := range msgs {
		if m.Type == domain.TypeThinking {
			continue
		}
		role := agent.RoleUser
		if m.Role == domain.RoleAssistant {
			role = agent.RoleAssistant
		}
		out = append(out, agent.Chunk{Role: role, Type: agent.ChunkTypeText, Text: m.Content})
	}
	return out
}
