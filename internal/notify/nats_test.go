package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/storybuilder/internal/config"
	"git.home.luguber.info/inful/storybuilder/internal/events"
	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
)

type published struct {
	subject string
	payload []byte
}

type fakeStream struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakeStream) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{subject: subject, payload: payload})
	return &jetstream.PubAck{Stream: StreamName, Sequence: uint64(len(f.msgs))}, nil
}

type fakeEntry struct {
	jetstream.KeyValueEntry
	value []byte
}

func (e fakeEntry) Value() []byte { return e.value }

type fakeBucket struct {
	mu     sync.Mutex
	values map[string][]byte
}

func (b *fakeBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	return uint64(len(b.values)), nil
}

func (b *fakeBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{value: v}, nil
}

func newTestPublisher() (*NATSPublisher, *fakeStream, *fakeBucket) {
	js := &fakeStream{}
	kv := &fakeBucket{values: map[string][]byte{}}
	return &NATSPublisher{js: js, kv: kv, subject: "storybuilder.events", timeout: time.Second}, js, kv
}

func TestHandlePublishesEveryEvent(t *testing.T) {
	p, js, kv := newTestPublisher()

	e := events.New(events.SubtaskStarted, "S-1", map[string]any{"subtaskId": "T1"})
	require.NoError(t, p.Handle(t.Context(), e))

	require.Len(t, js.msgs, 1)
	assert.Equal(t, "storybuilder.events.S-1", js.msgs[0].subject)
	var decoded events.Event
	require.NoError(t, json.Unmarshal(js.msgs[0].payload, &decoded))
	assert.Equal(t, events.SubtaskStarted, decoded.Name)
	assert.Equal(t, "T1", decoded.String("subtaskId"))

	assert.Empty(t, kv.values, "loop-level events do not change the status")
}

func TestHandleTracksLatestStatus(t *testing.T) {
	p, _, _ := newTestPublisher()
	ctx := t.Context()

	queued := events.New(events.BuildQueued, "S-1", nil)
	queued.BuildID = "b-1"
	require.NoError(t, p.Handle(ctx, queued))

	st, err := p.LatestStatus(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, "queued", st.State)
	assert.Equal(t, "b-1", st.BuildID)

	require.NoError(t, p.Handle(ctx, events.New(events.PhaseStarted, "S-1", map[string]any{"phase": "execute"})))
	require.NoError(t, p.Handle(ctx, events.New(events.BuildFailed, "S-1", map[string]any{
		"phase": "execute",
		"error": "1 of 2 subtasks failed",
	})))

	st, err = p.LatestStatus(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", st.State)
	assert.Equal(t, "execute", st.Phase)
	assert.Equal(t, "1 of 2 subtasks failed", st.Error)
}

func TestLatestStatusUnknownStory(t *testing.T) {
	p, _, _ := newTestPublisher()
	_, err := p.LatestStatus(t.Context(), "S-404")
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryNotFound))
}

func TestSubjectSanitizesStoryID(t *testing.T) {
	p, _, _ := newTestPublisher()
	assert.Equal(t, "storybuilder.events.v1_2", p.Subject("v1.2"))
}

func TestStatusFor(t *testing.T) {
	completed := events.New(events.BuildCompleted, "S-1", map[string]any{"report": "r.md"})
	st, ok := StatusFor(completed)
	require.True(t, ok)
	assert.Equal(t, "completed", st.State)
	assert.Equal(t, "r.md", st.Report)

	_, ok = StatusFor(events.New(events.IterationStarted, "S-1", nil))
	assert.False(t, ok)
}

func TestNewNATSPublisherDisabled(t *testing.T) {
	_, err := NewNATSPublisher(t.Context(), config.NATSConfig{})
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryConfig))
}
