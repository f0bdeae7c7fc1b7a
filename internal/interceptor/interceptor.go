// Package interceptor adapts the interception proxy and the admin listener
// to the capture dispatcher.
package interceptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/xkilldash9x/xpmate-capture/internal/capture"
	"github.com/xkilldash9x/xpmate-capture/internal/catalog"
	"github.com/xkilldash9x/xpmate-capture/internal/network"
	"github.com/xkilldash9x/xpmate-capture/internal/upload"
)

// MaxBodyBytes caps how much of a request body is copied into a capture.
const MaxBodyBytes = 8 << 20

// Interceptor feeds intercepted requests to the dispatcher. All dispatcher
// calls go through one gate so that load, modify and save of the session
// happen as a unit even though the proxy serves connections concurrently.
type Interceptor struct {
	base       context.Context
	dispatcher *capture.Dispatcher
	gate       sync.Mutex
	log        *zap.Logger
}

// New creates the adapter. base outlives individual requests: an upload
// started by the trigger is not cancelled when the phone's browser
// disconnects, only when base is.
func New(base context.Context, dispatcher *capture.Dispatcher, logger *zap.Logger) (*Interceptor, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}
	if base == nil {
		base = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{base: base, dispatcher: dispatcher, log: logger.Named("interceptor")}, nil
}

// Attach registers the request hook on proxy.
func (i *Interceptor) Attach(proxy *network.InterceptionProxy) {
	proxy.AddRequestHook(i.OnRequest)
}

// OnRequest is the proxy request hook. It never fails the request: any
// problem while capturing falls back to forwarding it untouched.
func (i *Interceptor) OnRequest(r *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	rawURL := network.RequestURL(r)
	if catalog.Resolve(rawURL).Kind == catalog.Ignore {
		return r, nil
	}

	ev, err := i.eventFrom(r, rawURL)
	if err != nil {
		i.log.Warn("Failed to read intercepted request, forwarding as is.", zap.String("url", rawURL), zap.Error(err))
		return r, nil
	}

	act := i.Dispatch(ev)
	if act.Kind != capture.Respond {
		return r, nil
	}
	resp := goproxy.NewResponse(r, act.ContentType, act.Status, string(act.Body))
	resp.Header.Set("Cache-Control", "no-store")
	return r, resp
}

// Dispatch runs the dispatcher for ev under the gate. A panic inside the
// dispatcher is logged and turned into Pass.
func (i *Interceptor) Dispatch(ev capture.Event) (act capture.Action) {
	i.gate.Lock()
	defer i.gate.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			i.log.Error("Dispatcher panicked, forwarding request.", zap.String("url", ev.URL), zap.Any("panic", rec), zap.Stack("stack"))
			act = capture.Action{Kind: capture.Pass}
		}
	}()
	return i.dispatcher.Handle(i.base, ev)
}

// Upload runs the trigger path under the gate.
func (i *Interceptor) Upload(ctx context.Context) upload.Outcome {
	i.gate.Lock()
	defer i.gate.Unlock()
	return i.dispatcher.Upload(ctx)
}

// Reset clears the session under the gate.
func (i *Interceptor) Reset(ctx context.Context) error {
	i.gate.Lock()
	defer i.gate.Unlock()
	return i.dispatcher.Reset(ctx)
}

// eventFrom copies the request into a capture.Event and restores r.Body so
// the request can still be forwarded.
func (i *Interceptor) eventFrom(r *http.Request, rawURL string) (capture.Event, error) {
	ev := capture.Event{URL: rawURL, Method: r.Method, Headers: flattenHeaders(r)}
	if r.Body == nil || r.Body == http.NoBody {
		return ev, nil
	}

	orig := r.Body
	raw, err := io.ReadAll(io.LimitReader(orig, MaxBodyBytes+1))
	if err != nil || len(raw) > MaxBodyBytes {
		// Hand upstream what was read followed by the unread remainder.
		r.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(raw), orig), Closer: orig}
		if err != nil {
			return ev, fmt.Errorf("failed to read request body: %w", err)
		}
		return ev, fmt.Errorf("request body exceeds %d bytes", MaxBodyBytes)
	}
	_ = orig.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))

	decoded, err := network.DecodeBody(r.Header, raw)
	if err != nil {
		i.log.Warn("Could not decode request body, capturing it raw.", zap.String("url", rawURL), zap.Error(err))
		decoded = raw
	}
	ev.Body = decoded
	return ev, nil
}

// replayBody reads a prefix already consumed from a body and then the body
// itself. Close closes the original body.
type replayBody struct {
	io.Reader
	io.Closer
}

// flattenHeaders joins repeated headers with ", " and restores Host, which
// net/http moves out of the header map.
func flattenHeaders(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.Header)+1)
	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = strings.Join(r.Header.Values(k), ", ")
	}
	if _, ok := out["Host"]; !ok && r.Host != "" {
		out["Host"] = r.Host
	}
	return out
}
