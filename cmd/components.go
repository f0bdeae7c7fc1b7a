package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/xpmate-capture/internal/capture"
	"github.com/xkilldash9x/xpmate-capture/internal/config"
	"github.com/xkilldash9x/xpmate-capture/internal/interceptor"
	"github.com/xkilldash9x/xpmate-capture/internal/kv"
	"github.com/xkilldash9x/xpmate-capture/internal/network"
	"github.com/xkilldash9x/xpmate-capture/internal/notify"
	"github.com/xkilldash9x/xpmate-capture/internal/session"
	"github.com/xkilldash9x/xpmate-capture/internal/upload"
)

// components holds everything a command needs to drive a capture session.
type components struct {
	Backend     kv.Store
	Sessions    *session.Store
	Dispatcher  *capture.Dispatcher
	Interceptor *interceptor.Interceptor
	logger      *zap.Logger
}

// storeOpener is swapped in tests.
var storeOpener = kv.Open

// initializeComponents wires the session store, notifier, upload coordinator
// and dispatcher. base bounds background work such as uploads triggered from
// the proxy.
func initializeComponents(base context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{logger: logger}

	backend, err := storeOpener(base, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	c.Backend = backend

	if c.Sessions, err = session.NewStore(backend, cfg.Store.Key, logger); err != nil {
		c.Shutdown()
		return nil, err
	}

	client := network.NewClient(network.NewDefaultClientConfig())

	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.Notify.WebhookURL != "" {
		hook, err := notify.NewWebhookNotifier(cfg.Notify.WebhookURL, client, cfg.Notify.Timeout, logger)
		if err != nil {
			c.Shutdown()
			return nil, fmt.Errorf("failed to configure webhook notifier: %w", err)
		}
		notifiers = append(notifiers, hook)
	}

	coordinator, err := upload.NewCoordinator(cfg.Upload.ServerURL, upload.NewHTTPTransport(client, logger), c.Sessions, notifiers, logger)
	if err != nil {
		c.Shutdown()
		return nil, fmt.Errorf("failed to create upload coordinator: %w", err)
	}

	if c.Dispatcher, err = capture.NewDispatcher(c.Sessions, coordinator, notifiers, cfg.Upload.ServerURL, logger); err != nil {
		c.Shutdown()
		return nil, err
	}
	if c.Interceptor, err = interceptor.New(base, c.Dispatcher, logger); err != nil {
		c.Shutdown()
		return nil, err
	}
	return c, nil
}

// Shutdown releases the store connection.
func (c *components) Shutdown() {
	if c == nil || c.Backend == nil {
		return
	}
	if err := c.Backend.Close(); err != nil {
		c.logger.Warn("Failed to close session store.", zap.Error(err))
	}
}
