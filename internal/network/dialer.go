package network

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// DialerConfig holds configuration for outbound TCP connections made by the
// proxy and by the upload client.
type DialerConfig struct {
	Timeout   time.Duration
	KeepAlive time.Duration
	TLSConfig *tls.Config
	NoDelay   bool
	// ProxyURL chains outbound connections through an HTTP or HTTPS proxy
	// using CONNECT.
	ProxyURL *url.URL
}

// Clone returns a deep copy of the DialerConfig.
func (c *DialerConfig) Clone() *DialerConfig {
	if c == nil {
		return NewDialerConfig()
	}
	clone := *c
	if c.TLSConfig != nil {
		clone.TLSConfig = c.TLSConfig.Clone()
	}
	if c.ProxyURL != nil {
		u := *c.ProxyURL
		clone.ProxyURL = &u
	}
	return &clone
}

// NewDialerConfig returns the default dialer: TLS 1.2+, forward secret
// suites, session resumption, no upstream proxy.
func NewDialerConfig() *DialerConfig {
	tlsConfig := &tls.Config{
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
		CipherSuites: []uint16{
			tls.TLS_AES_128_GCM_SHA256,
			tls.TLS_CHACHA20_POLY1305_SHA256,
			tls.TLS_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
		ClientSessionCache: tls.NewLRUClientSessionCache(128),
	}

	return &DialerConfig{
		Timeout:   DefaultDialTimeout,
		KeepAlive: DefaultKeepAliveInterval,
		TLSConfig: tlsConfig,
		NoDelay:   true,
	}
}

// DialTCPContext establishes a raw TCP connection, tunnelling through
// config.ProxyURL when one is set. Suitable for http.Transport.DialContext.
func DialTCPContext(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	if config == nil {
		config = NewDialerConfig()
	}
	if config.ProxyURL != nil {
		return dialViaProxy(ctx, network, address, config)
	}
	return dialDirect(ctx, network, address, config)
}

func dialDirect(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:       config.Timeout,
		KeepAlive:     config.KeepAlive,
		FallbackDelay: 300 * time.Millisecond,
	}

	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("tcp dial failed: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(config.NoDelay); err != nil {
			_ = tcpConn.Close()
			return nil, fmt.Errorf("failed to set TCP NoDelay: %w", err)
		}
	}
	return conn, nil
}

func dialViaProxy(ctx context.Context, network, target string, config *DialerConfig) (net.Conn, error) {
	proxyURL := config.ProxyURL
	proxyAddr := proxyURL.Host

	var (
		conn net.Conn
		err  error
	)
	switch proxyURL.Scheme {
	case "http":
		conn, err = dialDirect(ctx, network, proxyAddr, config)
	case "https":
		proxyCfg := config.Clone()
		if proxyCfg.TLSConfig == nil {
			proxyCfg.TLSConfig = NewDialerConfig().TLSConfig
		}
		// ALPN for the target must not leak into the handshake with the proxy.
		proxyCfg.TLSConfig.NextProtos = nil

		var raw net.Conn
		raw, err = dialDirect(ctx, network, proxyAddr, proxyCfg)
		if err == nil {
			conn, err = wrapTLS(ctx, raw, proxyAddr, proxyCfg)
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s (only http/https supported)", proxyURL.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy %s: %w", proxyAddr, err)
	}

	tunnel, err := establishProxyTunnel(ctx, conn, target, proxyURL)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tunnel, nil
}

// establishProxyTunnel sends CONNECT and checks for a 200.
func establishProxyTunnel(ctx context.Context, conn net.Conn, target string, proxyURL *url.URL) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if proxyURL.User != nil {
		if password, ok := proxyURL.User.Password(); ok {
			creds := proxyURL.User.Username() + ":" + password
			req.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("failed to write CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy responded with non-200 status for CONNECT: %s", resp.Status)
	}

	// The reader may already hold bytes sent by the target after the reply.
	if br.Buffered() > 0 {
		return &prefixedConn{Conn: conn, prefix: br}, nil
	}
	return conn, nil
}

// prefixedConn drains prefix before reading from the connection.
type prefixedConn struct {
	net.Conn
	prefix io.Reader
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if c.prefix != nil {
		n, err := c.prefix.Read(p)
		if err == io.EOF {
			c.prefix = nil
			if n > 0 {
				return n, nil
			}
		} else if n > 0 || err != nil {
			return n, err
		}
	}
	return c.Conn.Read(p)
}

func wrapTLS(ctx context.Context, conn net.Conn, address string, config *DialerConfig) (net.Conn, error) {
	tlsConfig := config.TLSConfig.Clone()
	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		if net.ParseIP(host) == nil {
			tlsConfig.ServerName = host
		}
	}

	timeout := config.Timeout
	if timeout == 0 || timeout > DefaultTLSHandshakeTimeout {
		timeout = DefaultTLSHandshakeTimeout
	}
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake failed: %w", err)
	}
	return tlsConn, nil
}
