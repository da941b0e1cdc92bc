package api

import (
	"time"

	"reportq/internal/connectivity"
	"reportq/internal/queue"
	"reportq/internal/syncer"
)

// FromPassResult converts a sync pass result.
func FromPassResult(result syncer.PassResult) SyncPass {
	return SyncPass{
		PassID:     result.PassID,
		StartedAt:  formatTime(result.StartedAt),
		FinishedAt: formatTime(result.FinishedAt),
		Attempted:  result.Attempted,
		Succeeded:  result.Succeeded,
		Failed:     result.Failed,
		Skipped:    result.Skipped,
		Remaining:  result.Remaining,
	}
}

// FromSyncStatus converts the coordinator status.
func FromSyncStatus(status syncer.Status) SyncStatus {
	dto := SyncStatus{
		Busy:       status.Busy,
		MaxRetries: status.MaxRetries,
		LastError:  status.LastError,
	}
	if status.LastPass != nil {
		pass := FromPassResult(*status.LastPass)
		dto.LastPass = &pass
	}
	return dto
}

// FromConnectivity converts a monitor state. known is false before the first probe.
func FromConnectivity(state connectivity.State, known bool) ConnectivityStatus {
	if !known {
		return ConnectivityStatus{}
	}
	return ConnectivityStatus{
		Known:               true,
		IsConnected:         state.IsConnected,
		IsInternetReachable: state.IsInternetReachable,
		CheckedAt:           formatTime(state.CheckedAt),
		Detail:              state.Detail,
	}
}

// FromHealth converts aggregated queue counts.
func FromHealth(health queue.HealthSummary) QueueStats {
	stats := QueueStats{
		Total:       health.Total,
		Eligible:    health.Eligible,
		Exhausted:   health.Exhausted,
		Unreadable:  health.Unreadable,
		Quarantined: health.Quarantined,
	}
	if health.Oldest != nil {
		stats.Oldest = formatTime(*health.Oldest)
	}
	return stats
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
