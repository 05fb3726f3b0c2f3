package handlers

// StatusResponse is the health payload for the status endpoint.
type StatusResponse struct {
	Status    string    `json:"status"`
	Timestamp string    `json:"ts"`
	Version   string    `json:"version"`
	Revision  string    `json:"revision"`
	BuildDate string    `json:"buildDate"`
	DeviceID  string    `json:"deviceId"`
	Uptime    string    `json:"uptime"`
	Sync      *SyncInfo `json:"sync"`
}

// SyncInfo summarizes the outbox without listing items.
type SyncInfo struct {
	Online        bool   `json:"online"`
	Syncing       bool   `json:"syncing"`
	PendingCount  int    `json:"pendingCount"`
	FailedCount   int    `json:"failedCount"`
	ConflictCount int    `json:"conflictCount"`
	LastSyncAt    string `json:"lastSyncAt,omitempty"`
	LastError     string `json:"lastError,omitempty"`
}
