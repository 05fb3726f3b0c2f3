package handlers

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/tallyhq/tally/internal/client/outbox"
	"github.com/tallyhq/tally/internal/utils"
	"github.com/tallyhq/tally/internal/version"
)

// StatusHandler serves the agent health endpoint the web app polls.
type StatusHandler struct {
	svc       OutboxService
	startedAt time.Time
}

func NewStatusHandler(svc OutboxService) *StatusHandler {
	return &StatusHandler{svc: svc, startedAt: time.Now()}
}

func (h *StatusHandler) Status(ctx *gin.Context) {
	var snap *outbox.SyncSnapshot
	if h.svc != nil {
		snap = h.svc.Snapshot()
	}
	if snap == nil {
		ctx.PureJSON(http.StatusServiceUnavailable, &ControlPlaneError{
			ErrorCode: ErrCodeUnknownError,
			Error:     "outbox not initialized",
		})
		return
	}

	ctx.PureJSON(http.StatusOK, &StatusResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   version.Version,
		Revision:  version.Revision,
		BuildDate: version.BuildDate,
		DeviceID:  utils.HWID,
		Uptime:    humanize.Time(h.startedAt),
		Sync: &SyncInfo{
			Online:        snap.Online,
			Syncing:       snap.Syncing,
			PendingCount:  snap.PendingCount,
			FailedCount:   snap.FailedCount,
			ConflictCount: snap.ConflictCount,
			LastSyncAt:    snap.LastSyncAt,
			LastError:     snap.LastError,
		},
	})
}
