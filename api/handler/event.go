package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/pulsedeck/backend/api/transport"
	"github.com/pulsedeck/backend/domain"
	"github.com/pulsedeck/backend/internal/bus"
	"github.com/pulsedeck/backend/pkg/httpcontext"
)

type EventHandler struct {
	baseHandler
	bus *bus.EventBus
}

func NewEventHandler(b *bus.EventBus, adapter *httpcontext.Adapter, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		baseHandler: newBaseHandler(adapter, logger),
		bus:         b,
	}
}

// @Summary Publish one event
// @Tags events
// @Router /api/v1/events [post]
func (h *EventHandler) Publish(ctx *fasthttp.RequestCtx) {
	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	userID, orgID, _ := identity(ctx)
	if orgID == "" {
		h.respondError(ctx, domain.ErrPermissionDenied)
		return
	}

	var req transport.PublishEventRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		h.respondError(ctx, domain.ErrInvalidPayload)
		return
	}

	id, err := h.bus.Publish(stdCtx, req.Event(orgID, userID))
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusAccepted, map[string]string{"event_id": id})
}

// @Summary Publish a batch of events
// @Tags events
// @Router /api/v1/events/batch [post]
func (h *EventHandler) PublishBatch(ctx *fasthttp.RequestCtx) {
	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	userID, orgID, _ := identity(ctx)
	if orgID == "" {
		h.respondError(ctx, domain.ErrPermissionDenied)
		return
	}

	var req transport.PublishBatchRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || len(req.Events) == 0 {
		h.respondError(ctx, domain.ErrInvalidPayload)
		return
	}

	events := make([]*domain.Event, 0, len(req.Events))
	for _, r := range req.Events {
		events = append(events, r.Event(orgID, userID))
	}

	ids, err := h.bus.PublishBatch(stdCtx, events)
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusAccepted, map[string]interface{}{"event_ids": ids})
}

// @Summary Replay archived events
// @Tags events
// @Router /api/v1/events/history [get]
func (h *EventHandler) History(ctx *fasthttp.RequestCtx) {
	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	userID, orgID, _ := identity(ctx)
	filter, limit := historyQuery(ctx)

	rows, err := h.bus.GetHistory(stdCtx, userID, orgID, filter, limit)
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, map[string]interface{}{
		"events": rows,
		"count":  len(rows),
	})
}

func historyQuery(ctx *fasthttp.RequestCtx) (domain.EventFilter, int) {
	args := ctx.QueryArgs()

	var filter domain.EventFilter
	if types := string(args.Peek("types")); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}
	if subtypes := string(args.Peek("subtypes")); subtypes != "" {
		filter.Subtypes = strings.Split(subtypes, ",")
	}
	if user := string(args.Peek("user_id")); user != "" {
		filter.UserID = user
	}
	if since := string(args.Peek("since")); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	if until := string(args.Peek("until")); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = t
		}
	}

	limit := 100
	if raw := string(args.Peek("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return filter, limit
}
