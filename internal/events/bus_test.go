package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type appended struct {
	storyID, buildID, eventType string
	payload                     []byte
}

type fakeStore struct {
	mu   sync.Mutex
	rows []appended
	err  error
}

func (f *fakeStore) Append(_ context.Context, storyID, buildID, eventType string, payload []byte, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, appended{storyID, buildID, eventType, payload})
	return nil
}

func TestBusDeliversByNameAndWildcard(t *testing.T) {
	bus := NewBus()
	var named, all []Name
	bus.Subscribe(PhaseStarted, func(_ context.Context, e Event) error {
		named = append(named, e.Name)
		return nil
	})
	bus.SubscribeAll(func(_ context.Context, e Event) error {
		all = append(all, e.Name)
		return nil
	})

	ctx := t.Context()
	bus.Emit(ctx, New(BuildQueued, "S-1", nil))
	bus.Emit(ctx, New(PhaseStarted, "S-1", map[string]any{"phase": "init"}))

	assert.Equal(t, []Name{PhaseStarted}, named)
	assert.Equal(t, []Name{BuildQueued, PhaseStarted}, all)
}

func TestBusPersistsPayload(t *testing.T) {
	store := &fakeStore{}
	bus := NewBusWithEventStore(store)

	e := New(ReportGenerated, "S-2", map[string]any{"path": "/tmp/r.md"})
	e.BuildID = "b-2"
	require.NoError(t, bus.Publish(t.Context(), e))

	require.Len(t, store.rows, 1)
	row := store.rows[0]
	assert.Equal(t, "S-2", row.storyID)
	assert.Equal(t, "b-2", row.buildID)
	assert.Equal(t, "REPORT_GENERATED", row.eventType)

	var data map[string]any
	require.NoError(t, json.Unmarshal(row.payload, &data))
	assert.Equal(t, "/tmp/r.md", data["path"])
}

func TestBusStoreFailureDoesNotBlockDelivery(t *testing.T) {
	bus := NewBusWithEventStore(&fakeStore{err: errors.New("disk full")})
	var log Log
	bus.SubscribeAll(log.Handle)

	require.NoError(t, bus.Publish(t.Context(), New(BuildSuccess, "S-3", nil)))
	assert.Equal(t, 1, log.Count(BuildSuccess))
}

func TestBusRunsAllHandlersAndJoinsErrors(t *testing.T) {
	bus := NewBus()
	errA := errors.New("a")
	ran := 0
	bus.Subscribe(BuildFailed, func(context.Context, Event) error { ran++; return errA })
	bus.Subscribe(BuildFailed, func(context.Context, Event) error { ran++; return nil })

	err := bus.Publish(t.Context(), New(BuildFailed, "S-4", nil))
	assert.ErrorIs(t, err, errA)
	assert.Equal(t, 2, ran)
}

func TestNamesAreClosedSet(t *testing.T) {
	assert.Len(t, All(), 16)
	assert.True(t, SelfCritique.Valid())
	assert.False(t, Name("BUILD_EXPLODED").Valid())
	assert.Equal(t, "ITERATION_COMPLETED", string(IterationCompleted))
}

func TestEventAccessors(t *testing.T) {
	e := New(SubtaskFailed, "S-5", map[string]any{"subtaskId": "T1", "attempts": 3, "ratio": 2.0})
	assert.Equal(t, "T1", e.String("subtaskId"))
	assert.Equal(t, 3, e.Int("attempts"))
	assert.Equal(t, 2, e.Int("ratio"))
	assert.Equal(t, "", e.String("missing"))
}

func TestMultiAndLog(t *testing.T) {
	var a, b Log
	m := Multi{&a, nil, &b}
	m.Emit(context.Background(), New(BuildStarted, "S-6", nil))

	assert.Equal(t, []Name{BuildStarted}, a.Names())
	assert.Equal(t, []Name{BuildStarted}, b.Names())
}
