package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/fabrica-dev/fabrica/pkg/sandbox"
)

const (
	// LabelManager is the label used to identify containers managed by this system.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "fabrica"
	// LabelProjectID is the label tying a container to the project it serves.
	LabelProjectID = "project-id"
	// ControlPort is the HTTP control port exposed by the sandbox image.
	ControlPort = "8000"
	// PreviewPort is the port the generated application listens on.
	PreviewPort = "3000"
	// ReapInterval is how often the Run loop checks for expired sandboxes.
	ReapInterval = 10 * time.Second
)

// Manager implements sandbox.Manager using Docker containers. The sandbox
// image runs a small HTTP control server (exec, file read, health) on
// ControlPort; the generated application is served on PreviewPort. Both are
// mapped to dynamic host ports on 127.0.0.1.
type Manager struct {
	client *client.Client
	image  string
	ttl    time.Duration

	mu        sync.Mutex
	deadlines map[string]time.Time
}

// Verify interface compliance.
var _ sandbox.Manager = (*Manager)(nil)

// New creates a new Docker sandbox manager. ttl is the default time-to-live
// granted on create, connect, and adoption of containers found at startup.
func New(image string, ttl time.Duration) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Manager{
		client:    cli,
		image:     image,
		ttl:       ttl,
		deadlines: make(map[string]time.Time),
	}, nil
}

// Create provisions a fresh sandbox container and waits for its control
// server to report healthy.
func (m *Manager) Create(ctx context.Context, projectID string) (sandbox.Session, error) {
	// Ensure image exists locally.
	if _, _, err := m.client.ImageInspectWithRaw(ctx, m.image); err != nil {
		return nil, fmt.Errorf("sandbox image %q not found: %w", m.image, err)
	}

	id := uuid.New().String()
	cfg := &container.Config{
		Image: m.image,
		Labels: map[string]string{
			LabelManager:   LabelManagerValue,
			LabelProjectID: projectID,
		},
		ExposedPorts: nat.PortSet{
			nat.Port(ControlPort + "/tcp"): {},
			nat.Port(PreviewPort + "/tcp"): {},
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			nat.Port(ControlPort + "/tcp"): []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
			nat.Port(PreviewPort + "/tcp"): []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
	}

	resp, err := m.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, m.containerName(id))
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	if err := m.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	sess, err := m.session(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.waitForHealth(ctx, sess.controlPort); err != nil {
		return nil, err
	}

	m.touch(id)
	slog.Info("Sandbox created", "sandboxID", id, "projectID", projectID, "controlPort", sess.controlPort)
	return sess, nil
}

// Connect attaches to an existing sandbox and refreshes its expiry deadline.
func (m *Manager) Connect(ctx context.Context, id string) (sandbox.Session, error) {
	sess, err := m.session(ctx, id)
	if err != nil {
		return nil, err
	}
	m.touch(id)
	return sess, nil
}

// session inspects the container and builds a session handle, mapping
// missing or stopped containers to ErrUnavailable.
func (m *Manager) session(ctx context.Context, id string) (*dockerSession, error) {
	c, err := m.client.ContainerInspect(ctx, m.containerName(id))
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("sandbox %s: %w", id, sandbox.ErrUnavailable)
		}
		return nil, fmt.Errorf("inspecting container: %w", err)
	}
	if !c.State.Running {
		return nil, fmt.Errorf("sandbox %s not running (state: %s): %w", id, c.State.Status, sandbox.ErrUnavailable)
	}

	controlPort, err := hostPort(c, ControlPort)
	if err != nil {
		return nil, err
	}
	// The preview port is best-effort: a sandbox with no app running yet
	// still has the mapping, and an unmapped port just means no preview.
	previewPort, _ := hostPort(c, PreviewPort)

	return &dockerSession{
		manager:     m,
		id:          id,
		controlPort: controlPort,
		previewPort: previewPort,
	}, nil
}

// Run reaps expired sandboxes on a ticker. Containers found without a
// recorded deadline (e.g. after a restart) are adopted with a fresh TTL
// rather than killed immediately.
func (m *Manager) Run(ctx context.Context) error {
	slog.Info("Sandbox reaper starting", "interval", ReapInterval, "ttl", m.ttl)

	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sandbox reaper stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := m.reap(ctx); err != nil {
				slog.Error("Sandbox reap failed", "error", err)
			}
		}
	}
}

func (m *Manager) reap(ctx context.Context) error {
	containers, err := m.client.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManager+"="+LabelManagerValue),
		),
	})
	if err != nil {
		return fmt.Errorf("listing managed containers: %w", err)
	}

	now := time.Now()
	for _, c := range containers {
		id := sandboxIDFromName(c.Names)
		if id == "" {
			continue
		}

		m.mu.Lock()
		deadline, known := m.deadlines[id]
		if !known {
			deadline = now.Add(m.ttl)
			m.deadlines[id] = deadline
		}
		m.mu.Unlock()

		if now.Before(deadline) {
			continue
		}

		slog.Info("Removing expired sandbox", "sandboxID", id)
		timeout := 10
		if err := m.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			slog.Warn("Failed to stop container", "id", c.ID, "error", err)
		}
		if err := m.client.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			slog.Warn("Failed to remove container", "id", c.ID, "error", err)
		}
		m.mu.Lock()
		delete(m.deadlines, id)
		m.mu.Unlock()
	}
	return nil
}

// Close releases the Docker client resources.
func (m *Manager) Close() error {
	return m.client.Close()
}

// touch resets the sandbox's deadline to the default TTL from now.
func (m *Manager) touch(id string) {
	m.mu.Lock()
	m.deadlines[id] = time.Now().Add(m.ttl)
	m.mu.Unlock()
}

// extend sets the sandbox's deadline d from now, verifying the container
// still exists first.
func (m *Manager) extend(ctx context.Context, id string, d time.Duration) error {
	if _, err := m.session(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	m.deadlines[id] = time.Now().Add(d)
	m.mu.Unlock()
	return nil
}

func (m *Manager) containerName(id string) string {
	return "fabrica-sandbox-" + id
}

func sandboxIDFromName(names []string) string {
	const prefix = "/fabrica-sandbox-"
	for _, n := range names {
		if len(n) > len(prefix) && n[:len(prefix)] == prefix {
			return n[len(prefix):]
		}
	}
	return ""
}

func hostPort(c types.ContainerJSON, containerPort string) (string, error) {
	ports := c.NetworkSettings.Ports[nat.Port(containerPort+"/tcp")]
	if len(ports) > 0 {
		return ports[0].HostPort, nil
	}
	return "", fmt.Errorf("container running but port %s not mapped", containerPort)
}

func (m *Manager) waitForHealth(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/healthz", port)

	// Initial startup can be slow (dependency install inside the image).
	timeoutCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("timeout waiting for sandbox health")
		case <-ticker.C:
			req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
	}
}

// dockerSession is a handle to one running sandbox container.
type dockerSession struct {
	manager     *Manager
	id          string
	controlPort string
	previewPort string
}

var _ sandbox.Session = (*dockerSession)(nil)

func (s *dockerSession) ID() string { return s.id }

func (s *dockerSession) ExtendTimeout(ctx context.Context, d time.Duration) error {
	return s.manager.extend(ctx, s.id, d)
}

func (s *dockerSession) RunCommand(ctx context.Context, command string) (*sandbox.Result, error) {
	reqBody, _ := json.Marshal(map[string]string{"command": command})
	url := fmt.Sprintf("http://127.0.0.1:%s/exec", s.controlPort)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox %s exec: %w", s.id, sandbox.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("sandbox exec error %d: %s", resp.StatusCode, string(body))
	}

	var res sandbox.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *dockerSession) ReadFiles(ctx context.Context, dir string) (map[string]string, error) {
	url := fmt.Sprintf("http://127.0.0.1:%s/files?dir=%s", s.controlPort, dir)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox %s files: %w", s.id, sandbox.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("sandbox files error %d: %s", resp.StatusCode, string(body))
	}

	var res struct {
		Files map[string]string `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return res.Files, nil
}

func (s *dockerSession) PreviewURL() string {
	if s.previewPort == "" {
		return ""
	}
	return "http://127.0.0.1:" + s.previewPort
}
