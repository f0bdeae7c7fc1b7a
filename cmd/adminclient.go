package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/xpmate-capture/internal/capture"
	"github.com/xkilldash9x/xpmate-capture/internal/interceptor"
	"github.com/xkilldash9x/xpmate-capture/internal/network"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// adminClient talks to the admin API of a running `xpmate serve`.
type adminClient struct {
	base   string
	client *network.Client
}

func newAdminClient(addr string, client *network.Client) *adminClient {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return &adminClient{base: strings.TrimSuffix(addr, "/"), client: client}
	}
	host, port, err := net.SplitHostPort(addr)
	if err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	return &adminClient{base: "http://" + addr, client: client}
}

func (a *adminClient) do(ctx context.Context, method, path string, want ...int) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("admin API unreachable at %s (is `xpmate serve` running?): %w", a.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read admin response: %w", err)
	}
	for _, code := range want {
		if resp.StatusCode == code {
			return body, resp.StatusCode, nil
		}
	}
	return body, resp.StatusCode, fmt.Errorf("admin API %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
}

func (a *adminClient) status(ctx context.Context) (capture.Status, error) {
	var st capture.Status
	body, _, err := a.do(ctx, http.MethodGet, "/session", http.StatusOK)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(body, &st); err != nil {
		return st, fmt.Errorf("failed to decode session status: %w", err)
	}
	return st, nil
}

// upload returns the result for every outcome the server reports, including
// failed and empty uploads.
func (a *adminClient) upload(ctx context.Context) (interceptor.UploadResult, error) {
	var res interceptor.UploadResult
	body, _, err := a.do(ctx, http.MethodPost, "/upload", http.StatusOK, http.StatusBadGateway, http.StatusConflict)
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return res, fmt.Errorf("failed to decode upload result: %w", err)
	}
	return res, nil
}

func (a *adminClient) reset(ctx context.Context) error {
	_, _, err := a.do(ctx, http.MethodDelete, "/session", http.StatusNoContent)
	return err
}
