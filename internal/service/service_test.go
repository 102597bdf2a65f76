package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/gateway/internal/config"
	"github.com/terrpan/gateway/internal/engine"
	"github.com/terrpan/gateway/internal/gateway"
	"github.com/terrpan/gateway/internal/project"
	"github.com/terrpan/gateway/internal/store"
	"github.com/terrpan/gateway/internal/worker"
)

// ---------------------------------------------------------------------------
// Fake runtime
// ---------------------------------------------------------------------------

type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*engine.ContainerInfo // id -> info
	nextID     int
	inspectErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*engine.ContainerInfo)}
}

func (f *fakeRuntime) lookup(id string) (*engine.ContainerInfo, bool) {
	if c, ok := f.containers[id]; ok {
		return c, true
	}
	for _, c := range f.containers {
		if c.Name == id {
			return c, true
		}
	}
	return nil, false
}

func (f *fakeRuntime) add(info engine.ContainerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[info.ID] = &info
}

func (f *fakeRuntime) CreateContainer(_ context.Context, spec engine.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.lookup(spec.Name); ok {
		return c.ID, nil
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.containers[id] = &engine.ContainerInfo{ID: id, Name: spec.Name, Status: "created", Labels: spec.Labels}
	return id, nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookup(id)
	if !ok {
		return fmt.Errorf("start %s: %w", id, engine.ErrNotFound)
	}
	c.Running = true
	c.Status = "running"
	c.Health = engine.HealthHealthy
	c.IPAddress = "10.0.0." + c.ID[len(c.ID)-1:]
	return nil
}

func (f *fakeRuntime) InspectContainer(_ context.Context, id string) (engine.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return engine.ContainerInfo{}, f.inspectErr
	}
	c, ok := f.lookup(id)
	if !ok {
		return engine.ContainerInfo{}, fmt.Errorf("inspect %s: %w", id, engine.ErrNotFound)
	}
	return *c, nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.lookup(id); ok {
		c.Running = false
		c.Status = "exited"
	}
	return nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.lookup(id); ok {
		delete(f.containers, c.ID)
	}
	return nil
}

func (f *fakeRuntime) ListContainers(_ context.Context, _ string) ([]engine.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.ContainerInfo, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeRuntime) Close() error { return nil }

// ---------------------------------------------------------------------------
// Mock sender
// ---------------------------------------------------------------------------

type mockSender struct {
	mu   sync.Mutex
	sent []project.Project
	err  error
}

func (m *mockSender) Send(_ context.Context, p project.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, p)
	return nil
}

func (m *mockSender) statuses() []project.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]project.Status, len(m.sent))
	for i, p := range m.sent {
		out[i] = p.Status
	}
	return out
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ServiceSuite struct {
	suite.Suite
	ctx    context.Context
	rt     *fakeRuntime
	store  *store.Store
	sender *mockSender
	svc    *Service
	alice  gateway.AccountName
	bob    gateway.AccountName
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.rt = newFakeRuntime()

	st, err := store.Open(s.ctx, filepath.Join(s.T().TempDir(), "gateway.sqlite"), store.DefaultConfig())
	s.Require().NoError(err)
	s.store = st

	cfg := &config.Config{
		Runtime: config.RuntimeConfig{Image: "example/runtime:latest", Prefix: "test_"},
		Project: config.ProjectConfig{PollInterval: time.Millisecond, StartAttempts: 5, Port: 8000},
	}
	s.svc = New(Config{Config: cfg, Runtime: s.rt, Store: st})
	s.sender = &mockSender{}
	s.svc.AttachSender(s.sender)

	s.alice = mustAccount(s.T(), "alice")
	s.bob = mustAccount(s.T(), "bob")
}

func (s *ServiceSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func mustName(t *testing.T, name string) gateway.ProjectName {
	t.Helper()
	n, err := gateway.ParseProjectName(name)
	require.NoError(t, err)
	return n
}

func mustAccount(t *testing.T, name string) gateway.AccountName {
	t.Helper()
	n, err := gateway.ParseAccountName(name)
	require.NoError(t, err)
	return n
}

func (s *ServiceSuite) put(p project.Project) {
	s.Require().NoError(s.store.Put(s.ctx, p))
}

// ---------------------------------------------------------------------------
// Create / Get / List
// ---------------------------------------------------------------------------

func (s *ServiceSuite) TestCreateProject() {
	name := mustName(s.T(), "my-project")

	p, err := s.svc.CreateProject(s.ctx, s.alice, name)
	s.Require().NoError(err)
	s.Equal(project.StatusCreating, p.Status)
	s.Equal([]project.Status{project.StatusCreating}, s.sender.statuses())

	got, err := s.svc.GetProject(s.ctx, s.alice, name)
	s.Require().NoError(err)
	s.Equal(p, got)
}

func (s *ServiceSuite) TestCreateProject_Duplicate() {
	name := mustName(s.T(), "my-project")
	_, err := s.svc.CreateProject(s.ctx, s.alice, name)
	s.Require().NoError(err)

	_, err = s.svc.CreateProject(s.ctx, s.bob, name)
	s.Equal(gateway.ProjectAlreadyExists, gateway.KindOf(err))
	s.Len(s.sender.statuses(), 1)
}

func (s *ServiceSuite) TestCreateProject_WithoutSender() {
	svc := New(Config{Config: &config.Config{}, Runtime: s.rt, Store: s.store})
	_, err := svc.CreateProject(s.ctx, s.alice, mustName(s.T(), "my-project"))
	s.Equal(gateway.NotReady, gateway.KindOf(err))
}

func (s *ServiceSuite) TestCreateProject_QueueFull() {
	s.sender.err = worker.ErrQueueFull
	p, err := s.svc.CreateProject(s.ctx, s.alice, mustName(s.T(), "my-project"))
	s.Equal(gateway.NotReady, gateway.KindOf(err))

	// The snapshot is stored; a later refresh resumes it.
	got, err := s.svc.GetProject(s.ctx, s.alice, p.Name)
	s.Require().NoError(err)
	s.Equal(project.StatusCreating, got.Status)
}

func (s *ServiceSuite) TestGetProject_Ownership() {
	name := mustName(s.T(), "my-project")
	_, err := s.svc.CreateProject(s.ctx, s.alice, name)
	s.Require().NoError(err)

	_, err = s.svc.GetProject(s.ctx, s.bob, name)
	s.Equal(gateway.Forbidden, gateway.KindOf(err))

	_, err = s.svc.GetProject(s.ctx, s.alice, mustName(s.T(), "missing"))
	s.Equal(gateway.ProjectNotFound, gateway.KindOf(err))
}

func (s *ServiceSuite) TestListProjects() {
	for _, n := range []string{"bbb", "aaa"} {
		_, err := s.svc.CreateProject(s.ctx, s.alice, mustName(s.T(), n))
		s.Require().NoError(err)
	}
	_, err := s.svc.CreateProject(s.ctx, s.bob, mustName(s.T(), "ccc"))
	s.Require().NoError(err)

	ps, err := s.svc.ListProjects(s.ctx, s.alice)
	s.Require().NoError(err)
	s.Require().Len(ps, 2)
	s.Equal("aaa", ps[0].Name.String())
	s.Equal("bbb", ps[1].Name.String())
}

// ---------------------------------------------------------------------------
// Intents
// ---------------------------------------------------------------------------

func (s *ServiceSuite) readyProject(name string) project.Project {
	p := project.New(mustName(s.T(), name), s.alice)
	p.Status = project.StatusReady
	p.ContainerID = "ctr-9"
	p.Address = "10.0.0.9"
	s.put(p)
	return p
}

func (s *ServiceSuite) TestStopProject() {
	p := s.readyProject("my-project")

	next, err := s.svc.StopProject(s.ctx, s.alice, p.Name)
	s.Require().NoError(err)
	s.Equal(project.StatusStopping, next.Status)
	s.Equal([]project.Status{project.StatusStopping}, s.sender.statuses())

	stored, err := s.store.Get(s.ctx, p.Name)
	s.Require().NoError(err)
	s.Equal(project.StatusStopping, stored.Status)
}

func (s *ServiceSuite) TestStartProject_InvalidFromReady() {
	p := s.readyProject("my-project")

	_, err := s.svc.StartProject(s.ctx, s.alice, p.Name)
	s.Equal(gateway.InvalidOperation, gateway.KindOf(err))
	s.Empty(s.sender.statuses())
}

func (s *ServiceSuite) TestStartProject_FromStopped() {
	p := s.readyProject("my-project")
	p.Status = project.StatusStopped
	s.put(p)

	next, err := s.svc.StartProject(s.ctx, s.alice, p.Name)
	s.Require().NoError(err)
	s.Equal(project.StatusStarting, next.Status)
}

func (s *ServiceSuite) TestIntents_Ownership() {
	p := s.readyProject("my-project")

	_, err := s.svc.DestroyProject(s.ctx, s.bob, p.Name)
	s.Equal(gateway.Forbidden, gateway.KindOf(err))
	s.Empty(s.sender.statuses())
}

func (s *ServiceSuite) TestDestroyThenRecreate() {
	p := s.readyProject("my-project")

	next, err := s.svc.DestroyProject(s.ctx, s.alice, p.Name)
	s.Require().NoError(err)
	s.Equal(project.StatusDestroying, next.Status)

	// Another account cannot take the name while the row is not destroyed.
	_, err = s.svc.CreateProject(s.ctx, s.bob, p.Name)
	s.Equal(gateway.ProjectAlreadyExists, gateway.KindOf(err))

	destroyed := next
	destroyed.Status = project.StatusDestroyed
	s.Require().NoError(s.svc.Update(s.ctx, destroyed))

	_, err = s.svc.CreateProject(s.ctx, s.bob, p.Name)
	s.Equal(gateway.ProjectAlreadyExists, gateway.KindOf(err))

	recreated, err := s.svc.CreateProject(s.ctx, s.alice, p.Name)
	s.Require().NoError(err)
	s.Equal(project.StatusCreating, recreated.Status)
}

// ---------------------------------------------------------------------------
// Address lookup
// ---------------------------------------------------------------------------

func (s *ServiceSuite) TestProjectAddress() {
	ready := s.readyProject("ready-one")
	addr, err := s.svc.ProjectAddress(s.ctx, ready.Name)
	s.Require().NoError(err)
	s.Equal("10.0.0.9", addr)

	_, err = s.svc.CreateProject(s.ctx, s.alice, mustName(s.T(), "starting-one"))
	s.Require().NoError(err)
	_, err = s.svc.ProjectAddress(s.ctx, mustName(s.T(), "starting-one"))
	s.Equal(gateway.ProjectNotReady, gateway.KindOf(err))

	_, err = s.svc.ProjectAddress(s.ctx, mustName(s.T(), "missing"))
	s.Equal(gateway.ProjectNotFound, gateway.KindOf(err))
}

func (s *ServiceSuite) TestProjectAddress_NameCase() {
	s.readyProject("MyApp")

	_, err := s.svc.CreateProject(s.ctx, s.bob, mustName(s.T(), "myapp"))
	s.Equal(gateway.ProjectAlreadyExists, gateway.KindOf(err))
	s.Empty(s.sender.statuses())

	// Hosts arrive lower-cased.
	addr, err := s.svc.ProjectAddress(s.ctx, mustName(s.T(), "myapp"))
	s.Require().NoError(err)
	s.Equal("10.0.0.9", addr)
}

// ---------------------------------------------------------------------------
// Refresh
// ---------------------------------------------------------------------------

func (s *ServiceSuite) TestRefresh() {
	s.Equal(gateway.NotReady, gateway.KindOf(s.svc.Ready()))

	// Committed as starting, but the container came up before the crash.
	started := project.New(mustName(s.T(), "started"), s.alice)
	started.Status = project.StatusStarting
	started.ContainerID = "ctr-1"
	s.put(started)
	s.rt.add(engine.ContainerInfo{
		ID: "ctr-1", Name: "test_started_run", Running: true,
		Status: "running", Health: engine.HealthHealthy, IPAddress: "10.0.0.1",
	})

	// Committed as ready, container gone.
	gone := project.New(mustName(s.T(), "gone"), s.alice)
	gone.Status = project.StatusReady
	gone.ContainerID = "ctr-2"
	s.put(gone)

	errored := project.New(mustName(s.T(), "errored"), s.alice)
	errored.Status = project.StatusErrored
	errored.Failure = project.Failure{Kind: gateway.ProjectNotReady, Message: "boom"}
	s.put(errored)

	destroyed := project.New(mustName(s.T(), "destroyed"), s.alice)
	destroyed.Status = project.StatusDestroyed
	s.put(destroyed)

	s.Require().NoError(s.svc.Refresh(s.ctx))
	s.NoError(s.svc.Ready())

	s.ElementsMatch([]project.Status{project.StatusCreating, project.StatusReady}, s.sender.statuses())

	got, err := s.store.Get(s.ctx, started.Name)
	s.Require().NoError(err)
	s.Equal(project.StatusReady, got.Status)
	s.Equal("10.0.0.1", got.Address)

	got, err = s.store.Get(s.ctx, gone.Name)
	s.Require().NoError(err)
	s.Equal(project.StatusCreating, got.Status)
	s.Empty(got.ContainerID)

	got, err = s.store.Get(s.ctx, errored.Name)
	s.Require().NoError(err)
	s.Equal(project.StatusErrored, got.Status)
}

func (s *ServiceSuite) TestRefresh_RuntimeFailure() {
	p := project.New(mustName(s.T(), "my-project"), s.alice)
	p.Status = project.StatusStarted
	s.put(p)
	s.rt.inspectErr = errors.New("daemon unreachable")

	err := s.svc.Refresh(s.ctx)
	s.Require().Error(err)
	s.Equal(gateway.Internal, gateway.KindOf(err))
	s.Equal(gateway.NotReady, gateway.KindOf(s.svc.Ready()))
}

func (s *ServiceSuite) TestRefresh_WithoutSender() {
	svc := New(Config{Config: &config.Config{}, Runtime: s.rt, Store: s.store})
	s.Equal(gateway.NotReady, gateway.KindOf(svc.Refresh(s.ctx)))
}

// ---------------------------------------------------------------------------
// End to end with a real worker
// ---------------------------------------------------------------------------

func TestLifecycleThroughWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "gateway.sqlite"), store.DefaultConfig())
	require.NoError(t, err)
	defer st.Close()

	cfg := &config.Config{
		Runtime: config.RuntimeConfig{Image: "example/runtime:latest", Prefix: "test_"},
		Project: config.ProjectConfig{PollInterval: time.Millisecond, StartAttempts: 5, Port: 8000},
	}
	svc := New(Config{Config: cfg, Runtime: newFakeRuntime(), Store: st})
	w := worker.New(worker.Config[project.Project]{Service: svc})
	svc.AttachSender(w.Sender())
	require.NoError(t, svc.Refresh(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()

	alice := mustAccount(t, "alice")
	name := mustName(t, "my-project")

	status := func() project.Status {
		p, err := svc.GetProject(ctx, alice, name)
		if err != nil {
			return ""
		}
		return p.Status
	}

	_, err = svc.CreateProject(ctx, alice, name)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return status() == project.StatusReady }, 2*time.Second, 5*time.Millisecond)

	addr, err := svc.ProjectAddress(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", addr)

	_, err = svc.StopProject(ctx, alice, name)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return status() == project.StatusStopped }, 2*time.Second, 5*time.Millisecond)

	_, err = svc.StartProject(ctx, alice, name)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return status() == project.StatusReady }, 2*time.Second, 5*time.Millisecond)

	_, err = svc.DestroyProject(ctx, alice, name)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return status() == project.StatusDestroyed }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
