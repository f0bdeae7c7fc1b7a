package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/xpmate-capture/internal/network"
)

// ErrTransport covers every way a POST can fail: timeout, refused
// connection, DNS failure or a non-2xx status.
var ErrTransport = errors.New("upload transport failed")

// PostRequest is one outbound POST.
type PostRequest struct {
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// Transport sends a PostRequest. Implementations wrap failures in
// ErrTransport.
type Transport interface {
	Post(ctx context.Context, req PostRequest) error
}

// HTTPTransport is the Transport used against the collection server.
type HTTPTransport struct {
	client *network.Client
	log    *zap.Logger
}

// NewHTTPTransport wraps client. A nil client gets the default configuration.
func NewHTTPTransport(client *network.Client, logger *zap.Logger) *HTTPTransport {
	if client == nil {
		client = network.NewClient(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{client: client, log: logger.Named("upload_transport")}
}

func (t *HTTPTransport) Post(ctx context.Context, req PostRequest) error {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	t.log.Debug("Collection server responded.",
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: server responded with status %d: %s", ErrTransport, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
