package api

import "reportq/internal/console"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// ReportListResponse wraps queued report listings.
type ReportListResponse struct {
	Items []console.ReportView `json:"items"`
}

// ReportResponse wraps a single queued report.
type ReportResponse struct {
	Item console.ReportView `json:"item"`
}

// ActionResponse is returned by resubmit, update and delete.
type ActionResponse struct {
	Result console.ActionResult `json:"result"`
}

// IntakeResponse reports what happened to a newly filed report.
type IntakeResponse struct {
	IdentityKey string              `json:"identityKey"`
	Submitted   bool                `json:"submitted"`
	Queued      bool                `json:"queued"`
	ReportID    string              `json:"reportId,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	Report      *console.ReportView `json:"report,omitempty"`
	Alert       console.Alert       `json:"alert"`
}

// SyncPass describes one sync pass.
type SyncPass struct {
	PassID     string `json:"passId"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt"`
	Attempted  int    `json:"attempted"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Remaining  int    `json:"remaining"`
}

// SyncResponse is returned by an on-demand sync.
type SyncResponse struct {
	Pass SyncPass `json:"pass"`
}

// ConnectivityStatus mirrors the connectivity monitor state.
type ConnectivityStatus struct {
	Known               bool   `json:"known"`
	IsConnected         bool   `json:"isConnected"`
	IsInternetReachable bool   `json:"isInternetReachable"`
	CheckedAt           string `json:"checkedAt,omitempty"`
	Detail              string `json:"detail,omitempty"`
}

// SyncStatus summarizes the sync coordinator.
type SyncStatus struct {
	Busy       bool      `json:"busy"`
	MaxRetries int       `json:"maxRetries"`
	LastPass   *SyncPass `json:"lastPass,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

// QueueStats summarizes the queue.
type QueueStats struct {
	Total       int    `json:"total"`
	Eligible    int    `json:"eligible"`
	Exhausted   int    `json:"exhausted"`
	Unreadable  int    `json:"unreadable"`
	Quarantined int    `json:"quarantined"`
	Oldest      string `json:"oldest,omitempty"`
}

// StatusResponse aggregates daemon runtime information.
type StatusResponse struct {
	Running      bool               `json:"running"`
	PID          int                `json:"pid"`
	QueueDBPath  string             `json:"queueDbPath"`
	LockFilePath string             `json:"lockFilePath"`
	Connectivity ConnectivityStatus `json:"connectivity"`
	Sync         SyncStatus         `json:"sync"`
	Queue        QueueStats         `json:"queue"`
	QueueError   string             `json:"queueError,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string         `json:"error"`
	Alert *console.Alert `json:"alert,omitempty"`
}
