// Package notify forwards build lifecycle events to NATS JetStream and keeps
// the latest status of every story in a JetStream key-value bucket.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/storybuilder/internal/config"
	"git.home.luguber.info/inful/storybuilder/internal/events"
	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/logfields"
)

// StreamName is the JetStream stream capturing published events.
const StreamName = "STORYBUILDER_EVENTS"

type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type statusBucket interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
}

// Status is the value stored per story in the status bucket.
type Status struct {
	StoryID   string    `json:"storyId"`
	BuildID   string    `json:"buildId,omitempty"`
	State     string    `json:"state"`
	Phase     string    `json:"phase,omitempty"`
	Event     string    `json:"event"`
	Error     string    `json:"error,omitempty"`
	Report    string    `json:"report,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NATSPublisher publishes every event to <subject>.<storyID>.
type NATSPublisher struct {
	conn    *nats.Conn
	js      streamPublisher
	kv      statusBucket
	subject string
	timeout time.Duration
}

// NewNATSPublisher connects to the configured server and prepares the event
// stream and status bucket.
func NewNATSPublisher(ctx context.Context, cfg config.NATSConfig) (*NATSPublisher, error) {
	if !cfg.Enabled {
		return nil, errors.ConfigError("nats notifications are disabled").Build()
	}

	conn, err := nats.Connect(cfg.URL, nats.Name("storybuilder"))
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryNetwork, "failed to connect to NATS").
			WithContext("url", cfg.URL).
			Build()
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapError(err, errors.CategoryNetwork, "failed to create JetStream context").Build()
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{cfg.Subject + ".>"},
		MaxAge:   7 * 24 * time.Hour,
	}); err != nil {
		conn.Close()
		return nil, errors.WrapError(err, errors.CategoryNetwork, "failed to create event stream").
			WithContext("subject", cfg.Subject).
			Build()
	}

	kv, err := js.KeyValue(ctx, cfg.KVBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.KVBucket,
			Description: "Latest build status per story",
			History:     1,
		})
		if err != nil {
			conn.Close()
			return nil, errors.WrapError(err, errors.CategoryNetwork, "failed to create KV bucket").
				WithContext("bucket", cfg.KVBucket).
				Build()
		}
		slog.Info("Created KV bucket for build status", slog.String("bucket", cfg.KVBucket))
	}

	slog.Info("NATS publisher initialized",
		slog.String("url", cfg.URL),
		slog.String("subject", cfg.Subject),
		slog.String("kv_bucket", cfg.KVBucket))

	return &NATSPublisher{conn: conn, js: js, kv: kv, subject: cfg.Subject, timeout: 5 * time.Second}, nil
}

// Subject returns the subject events of storyID are published on.
func (p *NATSPublisher) Subject(storyID string) string {
	return p.subject + "." + subjectToken(storyID)
}

// Handle publishes e and updates the story status. It is shaped as an
// events.Handler so it can be subscribed to the bus.
func (p *NATSPublisher) Handle(ctx context.Context, e events.Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	payload, err := json.Marshal(e)
	if err != nil {
		return errors.WrapError(err, errors.CategoryInternal, "failed to marshal event").Build()
	}
	if _, err := p.js.Publish(ctx, p.Subject(e.StoryID), payload); err != nil {
		return errors.WrapError(err, errors.CategoryNetwork, "failed to publish event").
			WithContext("event", string(e.Name)).
			Build()
	}
	slog.Debug("Published build event", slog.String("event", string(e.Name)), logfields.StoryID(e.StoryID))

	st, ok := StatusFor(e)
	if !ok {
		return nil
	}
	value, err := json.Marshal(st)
	if err != nil {
		return errors.WrapError(err, errors.CategoryInternal, "failed to marshal status").Build()
	}
	if _, err := p.kv.Put(ctx, statusKey(e.StoryID), value); err != nil {
		return errors.WrapError(err, errors.CategoryNetwork, "failed to store build status").
			WithContext("story_id", e.StoryID).
			Build()
	}
	return nil
}

// LatestStatus returns the stored status of storyID.
func (p *NATSPublisher) LatestStatus(ctx context.Context, storyID string) (*Status, error) {
	entry, err := p.kv.Get(ctx, statusKey(storyID))
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, errors.NotFoundError("no status recorded for story").
				WithContext("story_id", storyID).
				Build()
		}
		return nil, errors.WrapError(err, errors.CategoryNetwork, "failed to read build status").Build()
	}
	var st Status
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		return nil, errors.WrapError(err, errors.CategoryInternal, "corrupt build status").Build()
	}
	return &st, nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// StatusFor maps orchestrator-level events to a story status. Loop-level
// events leave the status untouched.
func StatusFor(e events.Event) (Status, bool) {
	st := Status{
		StoryID:   e.StoryID,
		BuildID:   e.BuildID,
		Event:     string(e.Name),
		Phase:     e.String("phase"),
		UpdatedAt: e.Time,
	}
	switch e.Name {
	case events.BuildQueued:
		st.State = "queued"
	case events.PhaseStarted:
		st.State = "running"
	case events.BuildCompleted:
		st.State = "completed"
		st.Report = e.String("report")
	case events.BuildFailed:
		st.State = "failed"
		st.Error = e.String("error")
	default:
		return Status{}, false
	}
	return st, true
}

// subjectToken makes a story id safe for use as a single subject token.
func subjectToken(id string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(id)
}

func statusKey(id string) string {
	return strings.NewReplacer(" ", "_", "*", "_", ">", "_").Replace(id)
}
