package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
)

var (
	// goproxy keeps its CA in package globals, so MITM is configured once.
	mitmInitOnce  sync.Once
	mitmInitError error
	isMITMEnabled bool
)

// ErrAlreadyStarted is returned when Start or Serve is called twice.
var ErrAlreadyStarted = errors.New("proxy already started")

// RequestHandler inspects a request passing through the proxy. Returning a
// non-nil response answers the client directly and skips the upstream.
type RequestHandler func(*http.Request, *goproxy.ProxyCtx) (*http.Request, *http.Response)

// ProxyTransportConfig configures the proxy's own upstream connections.
type ProxyTransportConfig struct {
	DialerConfig *DialerConfig
}

// InterceptionProxy is the forward proxy the phone is pointed at. HTTPS
// traffic for the intercept host is decrypted with the configured CA and run
// through the request hooks; everything else is tunnelled untouched.
type InterceptionProxy struct {
	proxy        *goproxy.ProxyHttpServer
	scope        *regexp.Regexp
	server       *http.Server
	serverMutex  sync.Mutex
	requestHooks []RequestHandler
	hooksMutex   sync.RWMutex
	logger       *zap.Logger
}

// NewInterceptionProxy builds the proxy. caCert and caKey are PEM encoded;
// when either is nil the proxy only tunnels HTTPS. interceptHost limits
// hooks and MITM to one host; empty means every host.
func NewInterceptionProxy(caCert, caKey []byte, interceptHost string, transportConfig *ProxyTransportConfig, logger *zap.Logger) (*InterceptionProxy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("interception_proxy")

	dialerConfig := NewDialerConfig()
	if transportConfig != nil && transportConfig.DialerConfig != nil {
		dialerConfig = transportConfig.DialerConfig.Clone()
	}

	proxy := goproxy.NewProxyHttpServer()
	transport := &http.Transport{
		TLSClientConfig:       dialerConfig.TLSConfig.Clone(),
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
		// Bodies go back to the phone exactly as the vendor sent them.
		DisableCompression: true,
	}

	transportDialer := dialerConfig.Clone()
	if dialerConfig.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(dialerConfig.ProxyURL)
		// Transport.Proxy already routes through the chain; dialing must go
		// straight to it.
		transportDialer.ProxyURL = nil
		log.Info("Configured upstream proxy chaining.", zap.String("upstream_proxy", dialerConfig.ProxyURL.Redacted()))
	}
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return DialTCPContext(ctx, network, addr, transportDialer)
	}
	proxy.Tr = transport
	proxy.ConnectDial = func(network, addr string) (net.Conn, error) {
		return DialTCPContext(context.Background(), network, addr, dialerConfig)
	}

	if caCert != nil && caKey != nil {
		if err := configureMITM(caCert, caKey); err != nil {
			return nil, fmt.Errorf("failed to configure global MITM capabilities: %w", err)
		}
		log.Info("MITM capabilities initialized.")
	} else {
		log.Warn("CA certificate or key missing, MITM disabled. Operating in tunneling mode.")
	}

	ip := &InterceptionProxy{proxy: proxy, logger: log}
	if interceptHost != "" {
		ip.scope = regexp.MustCompile(`^` + regexp.QuoteMeta(interceptHost) + `(:\d+)?$`)
	}
	ip.setupHandlers()
	return ip, nil
}

// AddRequestHook registers a request hook. Hooks run in registration order.
func (ip *InterceptionProxy) AddRequestHook(handler RequestHandler) {
	ip.hooksMutex.Lock()
	defer ip.hooksMutex.Unlock()
	ip.requestHooks = append(ip.requestHooks, handler)
}

// Handler exposes the proxy as an http.Handler.
func (ip *InterceptionProxy) Handler() http.Handler { return ip.proxy }

func (ip *InterceptionProxy) inScope(host string) bool {
	return ip.scope == nil || ip.scope.MatchString(host)
}

func (ip *InterceptionProxy) setupHandlers() {
	ip.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if isMITMEnabled && ip.inScope(host) {
			return goproxy.MitmConnect, host
		}
		return goproxy.OkConnect, host
	}))

	var conds []goproxy.ReqCondition
	if ip.scope != nil {
		conds = append(conds, goproxy.ReqHostMatches(ip.scope))
	}
	ip.proxy.OnRequest(conds...).DoFunc(ip.handleRequest)
	ip.proxy.OnResponse().DoFunc(ip.handleResponse)
}

func (ip *InterceptionProxy) handleRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	ip.hooksMutex.RLock()
	hooks := make([]RequestHandler, len(ip.requestHooks))
	copy(hooks, ip.requestHooks)
	ip.hooksMutex.RUnlock()

	current := r
	for _, hook := range hooks {
		next, resp := hook(current, ctx)
		if resp != nil {
			return next, resp
		}
		if next == nil {
			ip.logger.Error("A request hook returned a nil request, breaking chain.", zap.String("url", getRequestURL(ctx)))
			return current, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusInternalServerError,
				"Proxy Error: A request processing hook failed by returning a nil request.")
		}
		current = next
	}
	return current, nil
}

// handleResponse turns a failed upstream round trip into a 502, or a 504 on
// timeout, so the phone gets an answer instead of a dropped connection.
func (ip *InterceptionProxy) handleResponse(r *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if r != nil {
		return r
	}
	msg := "unknown error"
	if ctx.Error != nil {
		msg = ctx.Error.Error()
	}
	ip.logger.Warn("Proxy received nil response from upstream", zap.String("url", getRequestURL(ctx)), zap.String("error", msg))

	if ctx.Req == nil {
		return &http.Response{
			StatusCode: http.StatusBadGateway,
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     make(http.Header),
			Body:       io.NopCloser(bytes.NewBufferString("Proxy error: upstream connection failed: " + msg)),
		}
	}
	status := http.StatusBadGateway
	var netErr net.Error
	if errors.As(ctx.Error, &netErr) && netErr.Timeout() {
		status = http.StatusGatewayTimeout
	}
	return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, status, "Proxy error: upstream connection failed: "+msg)
}

// Start listens on addr and serves until ctx is cancelled.
func (ip *InterceptionProxy) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ip.Serve(ctx, ln)
}

// Serve accepts proxy connections on ln until ctx is cancelled, then shuts
// the server down gracefully. A clean shutdown returns nil.
func (ip *InterceptionProxy) Serve(ctx context.Context, ln net.Listener) error {
	ip.serverMutex.Lock()
	if ip.server != nil {
		ip.serverMutex.Unlock()
		_ = ln.Close()
		return ErrAlreadyStarted
	}
	srv := &http.Server{
		Handler:           ip.proxy,
		ReadHeaderTimeout: 30 * time.Second,
	}
	ip.server = srv
	ip.serverMutex.Unlock()

	ip.logger.Info("Interception proxy listening.", zap.String("address", ln.Addr().String()))
	return serveUntilDone(ctx, srv, ln, ip.logger)
}

// serveUntilDone runs srv on ln and shuts it down when ctx ends.
func serveUntilDone(ctx context.Context, srv *http.Server, ln net.Listener, log *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Graceful shutdown timed out, closing connections.", zap.Error(err))
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP runs handler on ln until ctx is cancelled. The admin listener
// shares the proxy's lifecycle handling through it.
func ServeHTTP(ctx context.Context, ln net.Listener, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	return serveUntilDone(ctx, srv, ln, logger)
}

// configureMITM installs the CA into goproxy's global state.
func configureMITM(caCert, caKey []byte) error {
	mitmInitOnce.Do(func() {
		ca, err := tls.X509KeyPair(caCert, caKey)
		if err != nil {
			mitmInitError = fmt.Errorf("invalid CA certificate/key pair: %w", err)
			return
		}
		if len(ca.Certificate) == 0 {
			mitmInitError = errors.New("CA certificate chain is empty")
			return
		}
		if ca.Leaf, err = x509.ParseCertificate(ca.Certificate[0]); err != nil {
			mitmInitError = fmt.Errorf("failed to parse CA certificate leaf: %w", err)
			return
		}

		goproxy.GoproxyCa = ca
		base := goproxy.TLSConfigFromCA(&ca)
		hardened := func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error) {
			cfg, err := base(host, ctx)
			if err != nil {
				return nil, err
			}
			if cfg.MinVersion < tls.VersionTLS12 {
				cfg.MinVersion = tls.VersionTLS12
			}
			return cfg, nil
		}

		goproxy.OkConnect = &goproxy.ConnectAction{Action: goproxy.ConnectAccept, TLSConfig: hardened}
		goproxy.MitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: hardened}
		goproxy.HTTPMitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectHTTPMitm, TLSConfig: hardened}
		goproxy.RejectConnect = &goproxy.ConnectAction{Action: goproxy.ConnectReject, TLSConfig: hardened}
		isMITMEnabled = true
	})
	return mitmInitError
}

func getRequestURL(ctx *goproxy.ProxyCtx) string {
	if ctx != nil && ctx.Req != nil && ctx.Req.URL != nil {
		return RequestURL(ctx.Req)
	}
	return "unknown"
}

// RequestURL reconstructs the absolute URL of a proxied request. Default
// ports are dropped, so a MITM request for host:443 reads the same as the URL
// the app asked for.
func RequestURL(r *http.Request) string {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	if host, port, err := net.SplitHostPort(u.Host); err == nil {
		if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
			if strings.Contains(host, ":") {
				host = "[" + host + "]"
			}
			u.Host = host
		}
	}
	return u.String()
}
