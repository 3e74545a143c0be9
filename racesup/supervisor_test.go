package racesup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/race/raceclock"
	"github.com/cuemby/race/racebus"
	"github.com/cuemby/race/raceentity"
)

type sharedLog struct {
	mu  sync.Mutex
	msg []string
}

func (s *sharedLog) append(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msg = append(s.msg, name)
}

func (s *sharedLog) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msg))
	copy(out, s.msg)
	return out
}

type namedHandler struct {
	name string
	log  *sharedLog
	fail bool
}

func (h *namedHandler) OnInitialize(ctx *raceentity.Context, config any) error {
	h.log.append(h.name)
	return nil
}

func (h *namedHandler) OnStart(ctx *raceentity.Context) error {
	if h.fail {
		return assert.AnError
	}
	h.log.append(h.name)
	return nil
}

func (h *namedHandler) OnTerminate(ctx *raceentity.Context) error {
	h.log.append("term:" + h.name)
	return nil
}

func (h *namedHandler) Handle(ctx *raceentity.Context, msg any) {}

// S1 — Startup ordering.
func TestSupervisorStartupOrdering(t *testing.T) {
	bus := racebus.New()
	clock := raceclock.New()
	t.Cleanup(clock.Stop)

	log := &sharedLog{}
	specs := []EntitySpec{
		{Spec: raceentity.Spec{Name: "A", Handler: &namedHandler{name: "A", log: log}}},
		{Spec: raceentity.Spec{Name: "B", Handler: &namedHandler{name: "B", log: log}}},
		{Spec: raceentity.Spec{Name: "C", Handler: &namedHandler{name: "C", log: log}}},
	}

	sup := New(bus, clock, "", Timeouts{})
	require.NoError(t, sup.Start(context.Background(), specs))

	assert.Equal(t, []string{"A", "B", "C", "A", "B", "C"}, log.snapshot())

	for _, e := range sup.Entities() {
		assert.Equal(t, raceentity.Running, e.State())
	}
}

func TestSupervisorFailureTearsDownReverseOrder(t *testing.T) {
	bus := racebus.New()
	clock := raceclock.New()
	t.Cleanup(clock.Stop)

	log := &sharedLog{}
	specs := []EntitySpec{
		{Spec: raceentity.Spec{Name: "A", Handler: &namedHandler{name: "A", log: log}}},
		{Spec: raceentity.Spec{Name: "B", Handler: &namedHandler{name: "B", log: log, fail: true}}},
		{Spec: raceentity.Spec{Name: "C", Handler: &namedHandler{name: "C", log: log}}},
	}

	sup := New(bus, clock, "", Timeouts{})
	err := sup.Start(context.Background(), specs)
	require.Error(t, err)

	var failure *FailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "B", failure.Entity)
	assert.Equal(t, raceentity.Start, failure.Command)

	// C never reached Start, so it is never torn down; A did, so it is.
	snapshot := log.snapshot()
	assert.Contains(t, snapshot, "term:A")
	assert.NotContains(t, snapshot, "term:C")

	// B is the Entity that actually failed Start; it never receives an
	// explicit Terminate from the Supervisor (teardown only walks the
	// already-succeeded entities), but its own failure acknowledgment
	// must still land it in Terminated and exit its goroutine, per
	// spec.md §4.3's "Initialized -> Start -> Terminated on failure" row.
	entityB, ok := sup.ByName("B")
	require.True(t, ok)
	assert.Equal(t, raceentity.Terminated, entityB.State())
	select {
	case <-entityB.Done():
	case <-time.After(time.Second):
		t.Fatal("entity B's goroutine never exited after a failed Start")
	}
}

func TestSupervisorShutdownReverseOrder(t *testing.T) {
	bus := racebus.New()
	clock := raceclock.New()
	t.Cleanup(clock.Stop)

	log := &sharedLog{}
	specs := []EntitySpec{
		{Spec: raceentity.Spec{Name: "A", Handler: &namedHandler{name: "A", log: log}}},
		{Spec: raceentity.Spec{Name: "B", Handler: &namedHandler{name: "B", log: log}}},
	}
	sup := New(bus, clock, "", Timeouts{})
	require.NoError(t, sup.Start(context.Background(), specs))

	sup.Shutdown(context.Background())

	snapshot := log.snapshot()
	idxB := indexOf(snapshot, "term:B")
	idxA := indexOf(snapshot, "term:A")
	require.True(t, idxB >= 0 && idxA >= 0)
	assert.Less(t, idxB, idxA)
}

// TestSupervisorStartOneAddsEntityAfterStart covers the Remote
// connector's "Start" deployment mode (spec.md §4.6): a peer asking
// this process to instantiate an Entity on demand, after the initial
// declaration-order batch has already completed.
func TestSupervisorStartOneAddsEntityAfterStart(t *testing.T) {
	bus := racebus.New()
	clock := raceclock.New()
	t.Cleanup(clock.Stop)

	log := &sharedLog{}
	sup := New(bus, clock, "", Timeouts{})
	require.NoError(t, sup.Start(context.Background(), []EntitySpec{
		{Spec: raceentity.Spec{Name: "A", Handler: &namedHandler{name: "A", log: log}}},
	}))

	e, err := sup.StartOne(context.Background(), EntitySpec{
		Spec: raceentity.Spec{Name: "B", Handler: &namedHandler{name: "B", log: log}},
	})
	require.NoError(t, err)
	assert.Equal(t, raceentity.Running, e.State())

	got, ok := sup.ByName("B")
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.Len(t, sup.Entities(), 2)

	_, err = sup.StartOne(context.Background(), EntitySpec{
		Spec: raceentity.Spec{Name: "B", Handler: &namedHandler{name: "B", log: log}},
	})
	assert.Error(t, err)
}

// TestSupervisorHandleByNameCoversLocalAndRemote covers spec.md §3's
// invariant that a remote-proxied Entity appears in the process's
// name-to-handle map exactly as a local Entity would.
func TestSupervisorHandleByNameCoversLocalAndRemote(t *testing.T) {
	bus := racebus.New()
	clock := raceclock.New()
	t.Cleanup(clock.Stop)

	log := &sharedLog{}
	sup := New(bus, clock, "", Timeouts{})
	require.NoError(t, sup.Start(context.Background(), []EntitySpec{
		{Spec: raceentity.Spec{Name: "A", Handler: &namedHandler{name: "A", log: log}}},
	}))

	h, ok := sup.HandleByName("A")
	require.True(t, ok)
	entityA, _ := sup.ByName("A")
	assert.Equal(t, entityA.Handle().ID(), h.ID())

	_, ok = sup.HandleByName("remote-one")
	assert.False(t, ok)

	sup.RegisterRemote("remote-one", fakeRemoteHandle{id: "race://peer/remote-one"})
	h, ok = sup.HandleByName("remote-one")
	require.True(t, ok)
	assert.Equal(t, "race://peer/remote-one", h.ID())
}

type fakeRemoteHandle struct{ id string }

func (f fakeRemoteHandle) Send(msg any) bool { return false }
func (f fakeRemoteHandle) ID() string        { return f.id }

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
