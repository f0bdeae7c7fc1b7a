package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/xpmate-capture/internal/config"
	"github.com/xkilldash9x/xpmate-capture/internal/network"
	"github.com/xkilldash9x/xpmate-capture/internal/observability"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the capture proxy and the local admin API",
		Long: `Runs an HTTP(S) proxy for the phone. Requests to the XPeng report API are
recorded into the capture session; everything else passes through untouched.
Opening the trigger URL in the app uploads the session to the XPMATE server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			defer observability.Sync()

			comps, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer comps.Shutdown()

			err = runServe(ctx, cfg, comps, logger)
			if errors.Is(err, context.Canceled) {
				logger.Info("Shutdown complete.")
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("listen", "", "proxy listen address (overrides proxy.address)")
	cmd.Flags().String("admin", "", "admin API listen address (overrides admin.address)")
	cmd.Flags().Bool("no-admin", false, "disable the admin API")
	cmd.Flags().String("backend", "", "session store backend: memory, sqlite, redis, postgres")
	cmd.Flags().String("server-url", "", "XPMATE batch upload URL")
	cmd.Flags().String("ca-cert", "", "PEM CA certificate used to intercept HTTPS")
	cmd.Flags().String("ca-key", "", "PEM CA private key")
	return cmd
}

// newProxy builds the interception proxy from the proxy section of cfg.
func newProxy(cfg config.ProxyConfig, logger *zap.Logger) (*network.InterceptionProxy, error) {
	caCert, caKey, err := network.ReadCAFiles(cfg.CACert, cfg.CAKey)
	if err != nil {
		return nil, err
	}
	if caCert == nil {
		logger.Warn("No CA configured; HTTPS is tunnelled and nothing will be captured. Run `xpmate ca generate` first.")
	}

	dialer := network.NewDialerConfig()
	if cfg.IgnoreTLSErrors {
		dialer.TLSConfig.InsecureSkipVerify = true
	}
	if cfg.UpstreamProxy != "" {
		u, err := url.Parse(cfg.UpstreamProxy)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream proxy: %w", err)
		}
		dialer.ProxyURL = u
	}

	return network.NewInterceptionProxy(caCert, caKey, cfg.InterceptHost, &network.ProxyTransportConfig{DialerConfig: dialer}, logger)
}

// runServe blocks until ctx is cancelled or a listener fails.
func runServe(ctx context.Context, cfg *config.Config, comps *components, logger *zap.Logger) error {
	proxy, err := newProxy(cfg.Proxy, logger)
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}
	comps.Interceptor.Attach(proxy)

	proxyLn, err := net.Listen("tcp", cfg.Proxy.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Proxy.Address, err)
	}

	var adminLn net.Listener
	if cfg.Admin.Enabled {
		if adminLn, err = net.Listen("tcp", cfg.Admin.Address); err != nil {
			_ = proxyLn.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.Admin.Address, err)
		}
	}
	return serveListeners(ctx, proxy, comps, proxyLn, adminLn, logger)
}

// serveListeners runs the proxy and, when adminLn is non-nil, the admin API.
// If either fails the other is shut down.
func serveListeners(ctx context.Context, proxy *network.InterceptionProxy, comps *components, proxyLn, adminLn net.Listener, logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proxy.Serve(gctx, proxyLn)
	})
	if adminLn != nil {
		logger.Info("Admin API listening.", zap.String("address", adminLn.Addr().String()))
		g.Go(func() error {
			return network.ServeHTTP(gctx, adminLn, comps.Interceptor.AdminHandler(), logger.Named("admin"))
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
