package registry

import (
	"context"
	"log/slog"
	"time"
)

// RunHeartbeat refreshes agentID every interval until ctx is done. An
// interval <= 0 defaults to a third of the registry's heartbeat TTL. If the
// record has lapsed (for example after a long pause) it is re-registered
// from the supplied record.
func (r *Registry) RunHeartbeat(ctx context.Context, record Agent, interval time.Duration) {
	if interval <= 0 {
		interval = r.ttl / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.Heartbeat(ctx, record.ID)
			if err != nil {
				slog.Debug("Heartbeat failed", "agent_id", record.ID, "error", err)
				continue
			}
			if !ok {
				slog.Warn("Registry: heartbeat found lapsed record, re-registering", "agent_id", record.ID)
				if err := r.Register(ctx, record); err != nil {
					slog.Warn("Registry: re-register failed", "agent_id", record.ID, "error", err)
				}
			}
		}
	}
}
