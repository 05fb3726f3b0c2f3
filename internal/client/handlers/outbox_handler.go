package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tallyhq/tally/internal/client/outbox"
)

// OutboxService is the slice of the outbox manager the control plane needs.
type OutboxService interface {
	Enqueue(input outbox.EnqueueInput, isFormData bool) (*outbox.QueueItem, error)
	Snapshot() *outbox.SyncSnapshot
	TriggerReplay(ctx context.Context) error
	RetryItem(ctx context.Context, id string) bool
	ResolveConflict(ctx context.Context, id string, mode outbox.ResolveMode) bool
	ClearFailedItems() int
}

// OutboxHandler exposes the queue to the web app.
type OutboxHandler struct {
	svc OutboxService
}

func NewOutboxHandler(svc OutboxService) *OutboxHandler {
	return &OutboxHandler{svc: svc}
}

// List returns the full queue snapshot, items included.
func (h *OutboxHandler) List(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, &OutboxResponse{Snapshot: h.svc.Snapshot()})
}

// Enqueue records a write the app could not deliver.
func (h *OutboxHandler) Enqueue(ctx *gin.Context) {
	var req EnqueueRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		AbortWithError(ctx, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	item, err := h.svc.Enqueue(outbox.EnqueueInput{
		Method:      req.Method,
		Path:        req.Path,
		BodyText:    req.Body,
		ContentType: req.ContentType,
		Headers:     req.Headers,
	}, req.IsFormData)
	if err != nil {
		if errors.Is(err, outbox.ErrNotQueueable) {
			AbortWithError(ctx, http.StatusUnprocessableEntity, ErrCodeNotQueueable, err)
			return
		}
		AbortWithError(ctx, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}

	ctx.PureJSON(http.StatusAccepted, &EnqueueResponse{Code: CodeOk, Item: item})
}

// Sync requests a replay pass now.
func (h *OutboxHandler) Sync(ctx *gin.Context) {
	if err := h.svc.TriggerReplay(ctx.Request.Context()); err != nil {
		if errors.Is(err, outbox.ErrPassOffline) {
			ctx.PureJSON(http.StatusOK, gin.H{"code": CodeOk, "skipped": "offline"})
			return
		}
		AbortWithError(ctx, http.StatusBadGateway, ErrCodeUnknownError, err)
		return
	}
	ctx.PureJSON(http.StatusOK, &ControlPlaneResponse{Code: CodeOk})
}

// Retry resets a failed or conflicted item for another attempt.
func (h *OutboxHandler) Retry(ctx *gin.Context) {
	id := ctx.Param("id")
	if !h.svc.RetryItem(ctx.Request.Context(), id) {
		AbortWithError(ctx, http.StatusNotFound, ErrCodeNotFound, fmt.Errorf("no queued item %q", id))
		return
	}
	ctx.PureJSON(http.StatusOK, &ControlPlaneResponse{Code: CodeOk})
}

// Resolve settles a conflicted item, applying or discarding the local edit.
func (h *OutboxHandler) Resolve(ctx *gin.Context) {
	id := ctx.Param("id")

	var req ResolveRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		AbortWithError(ctx, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	mode := outbox.ResolveMode(req.Mode)
	if mode != outbox.ResolveApply && mode != outbox.ResolveDiscard {
		AbortWithError(ctx, http.StatusBadRequest, ErrCodeBadRequest, fmt.Errorf("unknown resolve mode %q", req.Mode))
		return
	}

	if !h.svc.ResolveConflict(ctx.Request.Context(), id, mode) {
		AbortWithError(ctx, http.StatusNotFound, ErrCodeNotFound, fmt.Errorf("no queued item %q", id))
		return
	}
	ctx.PureJSON(http.StatusOK, &ControlPlaneResponse{Code: CodeOk})
}

// ClearFailed drops all terminally failed items.
func (h *OutboxHandler) ClearFailed(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, &ClearFailedResponse{
		Code:    CodeOk,
		Removed: h.svc.ClearFailedItems(),
	})
}
