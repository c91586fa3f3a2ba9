package index

import (
	"context"
	"time"
)

// WatchdogTick performs one stale-task sweep: any task still marked running
// whose heartbeat is older than the threshold goes to error with
// WATCHDOG_TIMEOUT, its artifact with it. Returns the number of tasks swept.
func (m *Manager) WatchdogTick(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.cfg.WatchdogThreshold).Unix()
	stale, err := m.store.StaleRunningTasks(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, t := range stale {
		if err := m.store.FailStaleTask(ctx, t); err != nil {
			m.log.Error().Err(err).Int64("task_id", t.ID).Msg("watchdog sweep")
			continue
		}
		m.publish(t.JobID, "task_error", map[string]any{
			"task_id": t.ID, "kind": t.Kind, "page_id": t.PageID,
			"error_code": CodeWatchdogTimeout, "message": "heartbeat stalled",
		})
		m.log.Warn().Int64("task_id", t.ID).Str("kind", string(t.Kind)).Msg("watchdog killed stale task")
		swept++
	}
	return swept, nil
}

// RunWatchdog ticks until the context ends. Runs daemon-wide, not per job:
// stale tasks from any job are swept.
func (m *Manager) RunWatchdog(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.WatchdogTick(ctx); err != nil && ctx.Err() == nil {
				m.log.Error().Err(err).Msg("watchdog tick")
			}
		}
	}
}
