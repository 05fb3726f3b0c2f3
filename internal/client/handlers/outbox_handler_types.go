package handlers

import "github.com/tallyhq/tally/internal/client/outbox"

// EnqueueRequest mirrors the mutating request the web app failed to deliver.
type EnqueueRequest struct {
	Method      string            `json:"method" binding:"required"`
	Path        string            `json:"path" binding:"required"`
	Body        string            `json:"body"`
	ContentType string            `json:"contentType"`
	Headers     map[string]string `json:"headers"`
	IsFormData  bool              `json:"isFormData"`
}

type EnqueueResponse struct {
	Code string            `json:"code"`
	Item *outbox.QueueItem `json:"item"`
}

type OutboxResponse struct {
	Snapshot *outbox.SyncSnapshot `json:"snapshot"`
}

type ResolveRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type ClearFailedResponse struct {
	Code    string `json:"code"`
	Removed int    `json:"removed"`
}
