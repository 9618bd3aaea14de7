package handler

import (
	"net/http"
	"strconv"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/pulsedeck/backend/domain"
	"github.com/pulsedeck/backend/internal/infrastructure/queue"
	"github.com/pulsedeck/backend/pkg/httpcontext"
)

type QueueHandler struct {
	baseHandler
	queue *queue.Queue
}

func NewQueueHandler(q *queue.Queue, adapter *httpcontext.Adapter, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{
		baseHandler: newBaseHandler(adapter, logger),
		queue:       q,
	}
}

// @Summary Queue counters
// @Tags queue
// @Router /api/v1/queue/stats [get]
func (h *QueueHandler) Stats(ctx *fasthttp.RequestCtx) {
	h.respondSuccess(ctx, http.StatusOK, h.queue.GetStats())
}

// @Summary List queued items
// @Tags queue
// @Router /api/v1/queue/items [get]
func (h *QueueHandler) Items(ctx *fasthttp.RequestCtx) {
	limit := 100
	if raw := string(ctx.QueryArgs().Peek("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	items := h.queue.GetItems(limit)
	h.respondSuccess(ctx, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// @Summary Remove one queued item
// @Tags queue
// @Router /api/v1/queue/items/{id} [delete]
func (h *QueueHandler) Remove(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if id == "" {
		h.respondError(ctx, domain.ErrInvalidPayload)
		return
	}
	if !h.queue.RemoveItem(id) {
		h.respondError(ctx, domain.ErrItemNotFound)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, map[string]string{"removed": id})
}

// @Summary Drop permanently failed items
// @Tags queue
// @Router /api/v1/queue/failed/clear [post]
func (h *QueueHandler) ClearFailed(ctx *fasthttp.RequestCtx) {
	cleared := h.queue.ClearFailed()
	h.respondSuccess(ctx, http.StatusOK, map[string]int{"cleared": cleared})
}
