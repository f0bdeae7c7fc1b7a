package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/xpmate-capture/internal/notify"
	"github.com/xkilldash9x/xpmate-capture/internal/session"
)

const (
	// Timeout bounds the single POST of an upload.
	Timeout = 60 * time.Second
	// BatchIDHeader carries a fresh id per attempt so the server can spot
	// a user retrying the same data.
	BatchIDHeader = "X-Xpmate-Batch-Id"
)

// ErrNothingToUpload is reported when the trigger fires with no captures.
var ErrNothingToUpload = errors.New("nothing to upload")

// OutcomeKind classifies an upload attempt.
type OutcomeKind int

const (
	Empty OutcomeKind = iota
	Succeeded
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "empty"
	}
}

// Outcome is the result of Upload. Err is ErrNothingToUpload for Empty and
// wraps ErrTransport for Failed.
type Outcome struct {
	Kind    OutcomeKind
	Count   int
	BatchID string
	Err     error
}

// Clearer erases the persisted session. *session.Store satisfies it.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Coordinator sends a completed or partial session to the collection server.
type Coordinator struct {
	serverURL string
	transport Transport
	store     Clearer
	notifier  notify.Notifier
	newID     func() string
	log       *zap.Logger
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithBatchIDs replaces the batch id generator.
func WithBatchIDs(gen func() string) Option {
	return func(c *Coordinator) { c.newID = gen }
}

// NewCoordinator wires the coordinator. notifier may be nil.
func NewCoordinator(serverURL string, transport Transport, store Clearer, notifier notify.Notifier, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if serverURL == "" {
		return nil, errors.New("server url cannot be empty")
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if store == nil {
		return nil, errors.New("session store cannot be nil")
	}
	if notifier == nil {
		notifier = notify.Multi{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		serverURL: serverURL,
		transport: transport,
		store:     store,
		notifier:  notifier,
		newID:     uuid.NewString,
		log:       logger.Named("upload"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Upload performs exactly one POST of sess, without retrying. On success the
// persisted session is cleared; on failure it is left untouched.
func (c *Coordinator) Upload(ctx context.Context, sess session.Session) Outcome {
	if sess.Empty() {
		c.log.Info("No captured data to upload.")
		return Outcome{Kind: Empty, Err: ErrNothingToUpload}
	}

	batch := NewBatch(sess)
	body, err := batch.Encode()
	if err != nil {
		return c.failed(ctx, batch.TotalCount, "", err)
	}

	id := c.newID()
	log := c.log.With(zap.String("batch_id", id), zap.Int("count", batch.TotalCount))
	log.Info("Uploading captured data.", zap.String("server", c.serverURL))

	err = c.transport.Post(ctx, PostRequest{
		URL: c.serverURL,
		Headers: map[string]string{
			"Content-Type": "application/json",
			BatchIDHeader:  id,
		},
		Body:    body,
		Timeout: Timeout,
	})
	if err != nil {
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return c.failed(ctx, batch.TotalCount, id, err)
	}

	if err := c.store.Clear(ctx); err != nil {
		// The server already has the data; a stale copy only risks a duplicate.
		log.Error("Upload succeeded but the session could not be cleared.", zap.Error(err))
	}
	log.Info("Upload succeeded.")
	c.post(ctx, notify.Notification{
		Title:    "XPMATE",
		Subtitle: "Upload succeeded",
		Body:     fmt.Sprintf("Sent %d requests", batch.TotalCount),
	})
	return Outcome{Kind: Succeeded, Count: batch.TotalCount, BatchID: id}
}

func (c *Coordinator) failed(ctx context.Context, count int, id string, err error) Outcome {
	c.log.Warn("Upload failed.", zap.String("batch_id", id), zap.Error(err))
	c.post(ctx, notify.Notification{
		Title:    "XPMATE",
		Subtitle: "Upload failed",
		Body:     fmt.Sprintf("Error: %v", err),
	})
	return Outcome{Kind: Failed, Count: count, BatchID: id, Err: err}
}

func (c *Coordinator) post(ctx context.Context, n notify.Notification) {
	if err := c.notifier.Post(ctx, n); err != nil {
		c.log.Warn("Failed to deliver notification.", zap.Error(err))
	}
}
