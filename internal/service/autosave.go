package service

import (
	"context"
	"log/slog"
	"time"
)

// RunAutosave checkpoints every experiment each interval until ctx is done,
// then saves once more so a clean shutdown loses nothing. It returns
// immediately when interval is not positive.
func (s *Service) RunAutosave(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	slog.Info("Autosave enabled", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.autosave(context.WithoutCancel(ctx), "shutdown")
			return
		case <-ticker.C:
			s.autosave(ctx, "interval")
		}
	}
}

func (s *Service) autosave(ctx context.Context, reason string) {
	if s.registry.Len() == 0 {
		return
	}
	saved, err := s.SaveAll(ctx)
	if err != nil {
		slog.Error("Autosave failed", "reason", reason, "saved", saved, "error", err)
		return
	}
	slog.Debug("Autosave complete", "reason", reason, "saved", saved)
}
