package handler

import (
	"encoding/json"
	"net/http"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/pulsedeck/backend/api/transport"
	"github.com/pulsedeck/backend/domain"
	"github.com/pulsedeck/backend/internal/aggregator"
	"github.com/pulsedeck/backend/pkg/httpcontext"
)

type TelemetryHandler struct {
	baseHandler
	engine *aggregator.Engine
}

func NewTelemetryHandler(engine *aggregator.Engine, adapter *httpcontext.Adapter, logger *zap.Logger) *TelemetryHandler {
	return &TelemetryHandler{
		baseHandler: newBaseHandler(adapter, logger),
		engine:      engine,
	}
}

// @Summary Ingest a telemetry batch
// @Tags telemetry
// @Router /api/v1/telemetry [post]
func (h *TelemetryHandler) Ingest(ctx *fasthttp.RequestCtx) {
	userID, orgID, _ := identity(ctx)
	if orgID == "" {
		h.respondError(ctx, domain.ErrPermissionDenied)
		return
	}

	// Backpressure: reject submission while memory is above the watermark so
	// clients back off instead of growing the bucket maps further.
	if h.engine.HighMemory() {
		h.respondJSON(ctx, http.StatusTooManyRequests,
			transport.NewError("BACKPRESSURE", "aggregation engine under memory pressure, retry later", nil))
		return
	}

	var req transport.TelemetryRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || len(req.Events) == 0 {
		h.respondError(ctx, domain.ErrInvalidPayload)
		return
	}

	result := transport.TelemetryResponse{}
	for _, r := range req.Events {
		if err := h.engine.Ingest(r.Event(orgID, userID)); err != nil {
			result.Rejected++
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Accepted++
	}

	if result.Accepted == 0 {
		h.respondJSON(ctx, http.StatusBadRequest,
			transport.NewError(string(domain.ErrCodeInvalid), "no events accepted", result))
		return
	}
	h.respondSuccess(ctx, http.StatusAccepted, result)
}

// @Summary Current open aggregation windows
// @Tags telemetry
// @Router /api/v1/telemetry/aggregations [get]
func (h *TelemetryHandler) Aggregations(ctx *fasthttp.RequestCtx) {
	_, orgID, _ := identity(ctx)
	if orgID == "" {
		h.respondError(ctx, domain.ErrPermissionDenied)
		return
	}

	rows := h.engine.GetCurrentAggregations(orgID)
	h.respondSuccess(ctx, http.StatusOK, map[string]interface{}{
		"aggregations": rows,
		"count":        len(rows),
	})
}

// @Summary Aggregation engine counters
// @Tags telemetry
// @Router /api/v1/telemetry/stats [get]
func (h *TelemetryHandler) Stats(ctx *fasthttp.RequestCtx) {
	h.respondSuccess(ctx, http.StatusOK, h.engine.GetStats())
}
