package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/xpmate-capture/internal/capture"
	"github.com/xkilldash9x/xpmate-capture/internal/interceptor"
	"github.com/xkilldash9x/xpmate-capture/internal/network"
	"github.com/xkilldash9x/xpmate-capture/internal/observability"
)

// controller is what the status, upload and reset commands act on: either a
// running daemon through its admin API or the session store directly.
type controller interface {
	Status(ctx context.Context) (capture.Status, error)
	Upload(ctx context.Context) (interceptor.UploadResult, error)
	Reset(ctx context.Context) error
	Close()
}

type remoteController struct{ *adminClient }

func (r remoteController) Status(ctx context.Context) (capture.Status, error) {
	return r.status(ctx)
}

func (r remoteController) Upload(ctx context.Context) (interceptor.UploadResult, error) {
	return r.upload(ctx)
}

func (r remoteController) Reset(ctx context.Context) error { return r.reset(ctx) }

func (remoteController) Close() {}

// localController bypasses the daemon. Only safe when no daemon shares the
// same store, because the two would not serialize their updates.
type localController struct{ comps *components }

func (l localController) Status(ctx context.Context) (capture.Status, error) {
	return l.comps.Dispatcher.Status(ctx), nil
}

func (l localController) Upload(ctx context.Context) (interceptor.UploadResult, error) {
	return interceptor.NewUploadResult(l.comps.Interceptor.Upload(ctx)), nil
}

func (l localController) Reset(ctx context.Context) error {
	return l.comps.Interceptor.Reset(ctx)
}

func (l localController) Close() { l.comps.Shutdown() }

// newController is swapped in tests.
var newController = func(cmd *cobra.Command) (controller, error) {
	ctx := cmd.Context()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}

	direct, _ := cmd.Flags().GetBool("direct")
	if direct || !cfg.Admin.Enabled {
		comps, err := initializeComponents(ctx, cfg, observability.GetLogger())
		if err != nil {
			return nil, err
		}
		return localController{comps: comps}, nil
	}

	client := network.NewClient(network.NewDefaultClientConfig())
	return remoteController{newAdminClient(cfg.Admin.Address, client)}, nil
}

func addControlFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("direct", false, "operate on the session store directly instead of a running daemon")
}
