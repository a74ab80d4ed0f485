package bootstrap

import (
	"context"
	"fmt"

	"convsync/internal/config"
	"convsync/internal/logger"
)

// Base carries what every entry point needs before any dependency is connected.
type Base struct {
	Config *config.Config
	Logger logger.Logger
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

// Shutdown runs the caller's teardown and folds every error it reports into one.
func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.InfowCtx(ctx, "Shutting down application...")

	var errs []error
	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.InfowCtx(ctx, "Application exited successfully")
	return nil
}
