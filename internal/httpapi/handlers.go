package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tuya-proxy/internal/device"
	"tuya-proxy/internal/domain"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type handlers struct {
	deps Deps
}

func writeDetail(c *gin.Context, code int, detail string) {
	c.JSON(code, gin.H{"detail": detail})
}

// writeResult sends the vendor payload untouched, or the mapped error.
func (h *handlers) writeResult(c *gin.Context, payload json.RawMessage, err error) {
	if err == nil {
		c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
		return
	}
	writeDetail(c, device.HTTPStatus(err), device.Detail(err))
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *handlers) functions(c *gin.Context) {
	payload, err := h.deps.Devices.Functions(c.Request.Context(), c.Param("device_id"))
	h.writeResult(c, payload, err)
}

func (h *handlers) status(c *gin.Context) {
	payload, err := h.deps.Devices.Status(c.Request.Context(), c.Param("device_id"))
	h.writeResult(c, payload, err)
}

func (h *handlers) sendCommand(c *gin.Context) {
	deviceID := c.Param("device_id")

	var req domain.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.deps.Logger.Warn().Err(err).Str("device_id", deviceID).Msg("invalid command body")
		writeDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	payload, err := h.deps.Devices.SendCommand(c.Request.Context(), deviceID, req)
	h.writeResult(c, payload, err)
}

func (h *handlers) active(c *gin.Context) {
	if h.deps.Active == nil {
		writeDetail(c, http.StatusServiceUnavailable, "activity tracking disabled")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 800*time.Millisecond)
	defer cancel()

	ttl := int64(h.deps.ActiveTTL / time.Second)
	devs, err := h.deps.Active.GetActive(ctx, time.Now().Unix(), ttl)
	if err != nil {
		h.deps.Logger.Error().Err(err).Msg("list active devices failed")
		writeDetail(c, http.StatusInternalServerError, "redis error")
		return
	}
	if devs == nil {
		devs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"active_devices": devs, "ttl_seconds": ttl})
}

func (h *handlers) history(c *gin.Context) {
	if h.deps.History == nil {
		writeDetail(c, http.StatusServiceUnavailable, "command audit disabled")
		return
	}
	deviceID := c.Param("device_id")

	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeDetail(c, http.StatusUnprocessableEntity, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()

	recs, err := h.deps.History.RecentCommands(ctx, deviceID, limit)
	if err != nil {
		h.deps.Logger.Error().Err(err).Str("device_id", deviceID).Msg("read command history failed")
		writeDetail(c, http.StatusInternalServerError, "mysql error")
		return
	}
	if recs == nil {
		recs = []domain.CommandRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "commands": recs})
}
