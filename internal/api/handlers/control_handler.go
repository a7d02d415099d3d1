// Package handlers contains the handlers for the control API
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/deltaquant/optioncollector/internal/collector"
	"github.com/deltaquant/optioncollector/internal/config"
	"github.com/deltaquant/optioncollector/internal/exchange"
	"github.com/deltaquant/optioncollector/internal/repository"
	"github.com/deltaquant/optioncollector/pkg/utils/response"
)

const staleThreshold = 60 * time.Second

// LastWriter reports the instant of the last successful store write
type LastWriter interface {
	LastWriteAt() time.Time
}

// ControlHandler serves one session's control endpoints
type ControlHandler struct {
	SessionID     int
	Cfg           *config.Config
	Control       *collector.Control
	Pool          *collector.ConnectionPool
	Buffer        *collector.TickBuffer
	Stats         *collector.Stats
	Writer        LastWriter
	LifecycleRepo *repository.LifecycleRepository
}

// NewControlHandler creates a new ControlHandler bound to one session
func NewControlHandler(sessionID int, cfg *config.Config, control *collector.Control, pool *collector.ConnectionPool, buffer *collector.TickBuffer, stats *collector.Stats, writer LastWriter, lifecycleRepo *repository.LifecycleRepository) *ControlHandler {
	return &ControlHandler{
		SessionID:     sessionID,
		Cfg:           cfg,
		Control:       control,
		Pool:          pool,
		Buffer:        buffer,
		Stats:         stats,
		Writer:        writer,
		LifecycleRepo: lifecycleRepo,
	}
}

// InstrumentsRequest is the request body for subscribe and unsubscribe
type InstrumentsRequest struct {
	Instruments []string `json:"instruments"`
}

// SubscribeResponseData is the response data for the Subscribe endpoint
type SubscribeResponseData struct {
	Subscribed        []string                    `json:"subscribed"`
	AlreadySubscribed []string                    `json:"already_subscribed"`
	Failed            []exchange.FailedInstrument `json:"failed"`
	TotalInstruments  int                         `json:"total_instruments"`
}

// UnsubscribeResponseData is the response data for the Unsubscribe endpoint
type UnsubscribeResponseData struct {
	Unsubscribed     []string `json:"unsubscribed"`
	NotFound         []string `json:"not_found"`
	TotalInstruments int      `json:"total_instruments"`
}

// StatusResponseData is the response data for the Status endpoint
type StatusResponseData struct {
	Currency         string                `json:"currency"`
	CollectorID      string                `json:"collector_id"`
	SessionID        int                   `json:"session_id"`
	State            string                `json:"state"`
	Connected        bool                  `json:"connected"`
	InstrumentsCount int                   `json:"instruments_count"`
	Instruments      []string              `json:"instruments"`
	LastEventAt      *time.Time            `json:"last_event_at"`
	Stats            map[string]int64      `json:"stats"`
	Buffer           collector.BufferStats `json:"buffer"`
}

// Subscribe adds instruments to the collector
func (h *ControlHandler) Subscribe(c echo.Context) error {
	var req InstrumentsRequest
	if err := c.Bind(&req); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "Invalid request body")
	}
	if len(req.Instruments) == 0 {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "`instruments` is required")
	}

	result := h.Control.Subscribe(req.Instruments)
	responseData := SubscribeResponseData{
		Subscribed:        emptyIfNil(result.Subscribed),
		AlreadySubscribed: emptyIfNil(result.AlreadySubscribed),
		Failed:            result.Failed,
		TotalInstruments:  result.TotalInstruments,
	}
	if responseData.Failed == nil {
		responseData.Failed = []exchange.FailedInstrument{}
	}
	return response.SuccessResponse(c, responseData)
}

// Unsubscribe removes instruments from the collector
func (h *ControlHandler) Unsubscribe(c echo.Context) error {
	var req InstrumentsRequest
	if err := c.Bind(&req); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "Invalid request body")
	}
	if len(req.Instruments) == 0 {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "`instruments` is required")
	}

	result := h.Control.Unsubscribe(req.Instruments)
	responseData := UnsubscribeResponseData{
		Unsubscribed:     emptyIfNil(result.Unsubscribed),
		NotFound:         emptyIfNil(result.NotFound),
		TotalInstruments: result.TotalInstruments,
	}
	return response.SuccessResponse(c, responseData)
}

// Status returns this session's live state and the process-wide counters
func (h *ControlHandler) Status(c echo.Context) error {
	status, err := h.Pool.SessionStatus(h.SessionID)
	if err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "ServerException", err.Error())
	}

	responseData := StatusResponseData{
		Currency:         h.Cfg.Currency,
		CollectorID:      h.Cfg.CollectorID,
		SessionID:        status.ID,
		State:            string(status.State),
		Connected:        status.Connected,
		InstrumentsCount: len(status.Instruments),
		Instruments:      emptyIfNil(status.Instruments),
		Stats:            h.Stats.Snapshot(),
		Buffer:           h.Buffer.Stats(),
	}
	if !status.LastEventAt.IsZero() {
		at := status.LastEventAt
		responseData.LastEventAt = &at
	}
	return response.SuccessResponse(c, responseData)
}

// Events returns the most recent lifecycle events
func (h *ControlHandler) Events(c echo.Context) error {
	events, err := h.LifecycleRepo.RecentEvents(h.Cfg.Currency, 100)
	if err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "ServerException", err.Error())
	}
	return response.SuccessResponse(c, events)
}

// HealthResponseData is the response data for the Health endpoint
type HealthResponseData struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Reasons   []string  `json:"reasons,omitempty"`
}

// Health reports healthy, or degraded when a session has been broken for
// over a minute or store writes have stalled.
func (h *ControlHandler) Health(c echo.Context) error {
	var reasons []string
	now := time.Now()

	for _, status := range h.Pool.SessionStates() {
		if status.State == exchange.StateBroken && !status.BrokenSince.IsZero() && now.Sub(status.BrokenSince) > staleThreshold {
			reasons = append(reasons, "session broken: "+strconv.Itoa(status.ID))
		}
	}

	lastWrite := h.Writer.LastWriteAt()
	if !lastWrite.IsZero() && now.Sub(lastWrite) > staleThreshold {
		reasons = append(reasons, "store writes stalled")
	}

	if len(reasons) > 0 {
		return c.JSON(http.StatusServiceUnavailable, HealthResponseData{
			Status:    "degraded",
			Timestamp: now.UTC(),
			Reasons:   reasons,
		})
	}
	return c.JSON(http.StatusOK, HealthResponseData{
		Status:    "healthy",
		Timestamp: now.UTC(),
	})
}

func emptyIfNil(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}
