package network

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testCA returns a throwaway CA and its PEM encoding.
func testCA(t *testing.T) (*CA, []byte, []byte) {
	t.Helper()
	ca, err := NewCA("xpmate test CA", 24*time.Hour)
	require.NoError(t, err)
	certPEM, keyPEM, err := ca.PEM()
	require.NoError(t, err)
	return ca, certPEM, keyPEM
}

// newTestProxy serves an InterceptionProxy on an httptest server. Upstream
// certificates are not verified so httptest TLS targets can be reached.
func newTestProxy(t *testing.T, caCert, caKey []byte, interceptHost string) (*InterceptionProxy, string) {
	t.Helper()
	dialerCfg := NewDialerConfig()
	dialerCfg.TLSConfig.InsecureSkipVerify = true

	proxy, err := NewInterceptionProxy(caCert, caKey, interceptHost, &ProxyTransportConfig{DialerConfig: dialerCfg}, zap.NewNop())
	require.NoError(t, err)

	srv := httptest.NewServer(proxy.Handler())
	t.Cleanup(srv.Close)
	return proxy, srv.URL
}

// proxiedClient sends every request through proxyURL.
func proxiedClient(t *testing.T, proxyURL string, ca *CA) *http.Client {
	t.Helper()
	u, err := url.Parse(proxyURL)
	require.NoError(t, err)

	tlsConfig := &tls.Config{InsecureSkipVerify: true}
	if ca != nil {
		tlsConfig.RootCAs = ca.CertPool
	}
	tr := &http.Transport{Proxy: http.ProxyURL(u), TLSClientConfig: tlsConfig}
	t.Cleanup(tr.CloseIdleConnections)
	return &http.Client{Transport: tr}
}

// hostOf returns the host:port part of a test server URL.
func hostOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Hostname()
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
