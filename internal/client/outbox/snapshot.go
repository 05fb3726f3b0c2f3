package outbox

// Telemetry holds monotonically increasing lifecycle counters. They are
// observability data, not correctness data, and survive restarts; only an
// explicit storage wipe resets them.
type Telemetry struct {
	Enqueued  uint64 `json:"enqueued"`
	Replayed  uint64 `json:"replayed"`
	Failed    uint64 `json:"failed"`
	Conflicts uint64 `json:"conflicts"`
}

// SyncSnapshot is the read-only view handed to observers. Items are clones
// sorted by CreatedAt ascending.
type SyncSnapshot struct {
	Online        bool         `json:"online"`
	Syncing       bool         `json:"syncing"`
	PendingCount  int          `json:"pendingCount"`
	FailedCount   int          `json:"failedCount"`
	ConflictCount int          `json:"conflictCount"`
	LastSyncAt    string       `json:"lastSyncAt,omitempty"`
	LastError     string       `json:"lastError,omitempty"`
	Telemetry     Telemetry    `json:"telemetry"`
	Items         []*QueueItem `json:"items"`
}
