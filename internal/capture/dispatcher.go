// Package capture routes intercepted vendor requests: catalog hits are
// recorded into the session, the trigger URL uploads it, anything else
// passes through.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/xpmate-capture/internal/catalog"
	"github.com/xkilldash9x/xpmate-capture/internal/notify"
	"github.com/xkilldash9x/xpmate-capture/internal/session"
	"github.com/xkilldash9x/xpmate-capture/internal/upload"
)

// Event is an intercepted request as seen by the dispatcher. Body is the
// decoded request body, nil when there was none.
type Event struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// ActionKind tells the host adapter what to do with the request.
type ActionKind int

const (
	// Pass forwards the request upstream unchanged.
	Pass ActionKind = iota
	// Respond answers the client directly with the action's body.
	Respond
)

// Action is the dispatcher's answer for one Event.
type Action struct {
	Kind        ActionKind
	Status      int
	ContentType string
	Body        []byte
}

// Uploader sends a session. *upload.Coordinator satisfies it.
type Uploader interface {
	Upload(ctx context.Context, sess session.Session) upload.Outcome
}

// Dispatcher is the top-level state machine. Callers must serialize calls
// to Handle, Upload and Reset; the host adapter does so with a single gate.
type Dispatcher struct {
	store     *session.Store
	uploader  Uploader
	notifier  notify.Notifier
	serverURL string
	uploading atomic.Bool
	log       *zap.Logger
}

// NewDispatcher wires the dispatcher. serverURL is only used to help the user
// diagnose a failed upload.
func NewDispatcher(store *session.Store, uploader Uploader, notifier notify.Notifier, serverURL string, logger *zap.Logger) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("session store cannot be nil")
	}
	if uploader == nil {
		return nil, errors.New("uploader cannot be nil")
	}
	if notifier == nil {
		notifier = notify.Multi{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:     store,
		uploader:  uploader,
		notifier:  notifier,
		serverURL: serverURL,
		log:       logger.Named("dispatcher"),
	}, nil
}

// Handle classifies ev and runs exactly one branch for it.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) Action {
	route := catalog.Resolve(ev.URL)
	switch route.Kind {
	case catalog.Trigger:
		d.log.Info("Received manual upload trigger.")
		return d.respond(d.Upload(ctx))
	case catalog.Capture:
		d.Capture(ctx, route.Entry, ev)
		return Action{Kind: Pass}
	default:
		return Action{Kind: Pass}
	}
}

// Capture records ev under entry and announces progress.
func (d *Dispatcher) Capture(ctx context.Context, entry catalog.Entry, ev Event) session.Decision {
	log := d.log.With(zap.String("category", entry.ID), zap.Int("order", entry.Order))
	log.Info("Captured request.", zap.String("name", entry.Name))

	now := d.store.Now()
	sess, err := d.store.Load(ctx)
	if err != nil {
		// The stored copy may still be intact; never save over it.
		log.Error("Session store unavailable, capture not recorded.", zap.Error(err))
		return session.Decision{Kind: session.Quiet, Remaining: catalog.Size}
	}
	record := session.NewEvent(entry, ev.URL, ev.Method, ev.Headers, ev.Body, now)
	sess, wasNew := session.RecordCapture(sess, entry, record, now)

	if err = d.store.Save(ctx, sess); err != nil {
		log.Error("Failed to persist capture.", zap.Error(err))
		return session.Decision{Kind: session.Quiet, Count: sess.Count(), Remaining: catalog.Size - sess.Count()}
	}

	decision := session.Decide(sess, entry, wasNew)
	log.Debug("Session updated.", zap.Int("count", decision.Count), zap.Bool("new", wasNew))

	switch decision.Kind {
	case session.Ready:
		log.Info("All data ready, waiting for the user to confirm the upload.")
		d.post(ctx, notify.Notification{
			Title:    "XPMATE data ready",
			Subtitle: decision.Text,
			Body:     "Tap this notification to send the data to the server.",
			URL:      catalog.TriggerURL,
		})
	case session.Progress:
		d.post(ctx, notify.Notification{
			Title:    "XPMATE capture",
			Subtitle: decision.Text,
			Body:     fmt.Sprintf("%d more requests needed", decision.Remaining),
		})
	default:
		log.Debug("Waiting for the remaining requests.", zap.Int("remaining", decision.Remaining))
	}
	return decision
}

// Upload loads the live session and hands it to the uploader. If the session
// cannot be read the attempt fails without reaching the server.
func (d *Dispatcher) Upload(ctx context.Context) upload.Outcome {
	d.uploading.Store(true)
	defer d.uploading.Store(false)

	sess, err := d.store.Load(ctx)
	if err != nil {
		d.log.Error("Session store unavailable, upload aborted.", zap.Error(err))
		d.post(ctx, notify.Notification{
			Title:    "XPMATE",
			Subtitle: "Upload failed",
			Body:     fmt.Sprintf("Error: %v", err),
		})
		return upload.Outcome{Kind: upload.Failed, Err: err}
	}
	return d.uploader.Upload(ctx, sess)
}

// Reset erases the session.
func (d *Dispatcher) Reset(ctx context.Context) error {
	return d.store.Clear(ctx)
}

// Status is a read-only view of the session.
type Status struct {
	Phase      session.Phase `json:"phase"`
	Count      int           `json:"count"`
	Missing    []string      `json:"missing"`
	Categories []string      `json:"categories"`
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
	ExpiresAt  *time.Time    `json:"expiresAt,omitempty"`
	Note       string        `json:"note,omitempty"`
}

// Status reports the session without modifying it, so it is safe to call
// without holding the gate.
func (d *Dispatcher) Status(ctx context.Context) Status {
	sess, err := d.store.Peek(ctx)

	st := Status{
		Phase:      sess.Phase(),
		Count:      sess.Count(),
		Missing:    sess.Missing(),
		Categories: []string{},
	}
	if st.Missing == nil {
		st.Missing = []string{}
	}
	for _, ev := range sess.Sorted() {
		st.Categories = append(st.Categories, ev.Type)
	}
	if !sess.Empty() {
		started := sess.StartedAt.UTC()
		expires := started.Add(session.TTL)
		st.StartedAt, st.ExpiresAt = &started, &expires
	}
	if d.uploading.Load() {
		st.Phase = session.PhaseUploading
	}

	switch {
	case errors.Is(err, session.ErrExpired):
		st.Note = "previous session expired"
	case errors.Is(err, session.ErrCorrupt):
		st.Note = "persisted session is corrupt and will be reset"
	case err != nil:
		st.Note = err.Error()
	}
	return st
}

func (d *Dispatcher) respond(out upload.Outcome) Action {
	body, err := renderPage(pageFor(out, d.serverURL))
	if err != nil {
		d.log.Error("Failed to render trigger page.", zap.Error(err))
		body = []byte(pageFor(out, d.serverURL).Title)
	}
	return Action{Kind: Respond, Status: http.StatusOK, ContentType: HTMLContentType, Body: body}
}

func (d *Dispatcher) post(ctx context.Context, n notify.Notification) {
	if err := d.notifier.Post(ctx, n); err != nil {
		d.log.Warn("Failed to deliver notification.", zap.Error(err))
	}
}
