package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/abhisek/beacon/internal/app"
)

// openStack builds the runtime stack for the configured backend.
func openStack(ctx context.Context, viewport int) (*app.Stack, error) {
	st, err := app.Build(ctx, cfg, app.StackOptions{
		Logger:        logger,
		Registerer:    prometheus.NewRegistry(),
		ViewportWidth: func() int { return viewport },
	})
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	return st, nil
}
