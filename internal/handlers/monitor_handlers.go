// Package handlers implements the REST read facade over the snapshot store.
// Every endpoint is a pure projection of the current snapshot; absence of a
// snapshot is an empty object, never an error.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"mqdash/internal/middleware"
	"mqdash/internal/snapshot"
	"mqdash/internal/utils"

	"github.com/gin-gonic/gin"
)

type MonitorHandlers struct {
	store     *snapshot.Store
	hub       *middleware.Hub
	log       *utils.Logger
	startedAt time.Time
}

func NewMonitorHandlers(store *snapshot.Store, hub *middleware.Hub, log *utils.Logger) *MonitorHandlers {
	return &MonitorHandlers{
		store:     store,
		hub:       hub,
		log:       log,
		startedAt: time.Now(),
	}
}

// APISnapshot returns the full current snapshot, or an empty object before
// the first successful poll.
func (h *MonitorHandlers) APISnapshot(c *gin.Context) {
	s := h.store.Current()
	if s == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s)
}

// APIBrokers returns the brokers mapping of the current snapshot.
func (h *MonitorHandlers) APIBrokers(c *gin.Context) {
	s := h.store.Current()
	if s == nil || s.Brokers == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.Brokers)
}

// APIClients returns the clients mapping of the current snapshot.
func (h *MonitorHandlers) APIClients(c *gin.Context) {
	s := h.store.Current()
	if s == nil || s.Clients == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.Clients)
}

// APITCPHealth returns the TCP reachability mapping of the current snapshot.
func (h *MonitorHandlers) APITCPHealth(c *gin.Context) {
	s := h.store.Current()
	if s == nil || s.TCPHealth == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.TCPHealth)
}

// APIStatus reports the service's own health: uptime, observer count,
// aggregate broker/client counts from the current snapshot, the last fetch
// error if the latest cycle failed, and process resource usage.
func (h *MonitorHandlers) APIStatus(c *gin.Context) {
	s := h.store.Current()

	brokersMonitored := 0
	activeBrokers := 0
	connectedClients := 0
	var capturedAt interface{}
	if s != nil {
		brokersMonitored = len(s.Brokers)
		activeBrokers = countOnline(s.Brokers)
		connectedClients = len(s.Clients)
		capturedAt = s.CapturedAt
	}

	resp := gin.H{
		"status":            "healthy",
		"timestamp":         time.Now().UTC(),
		"uptime_seconds":    int64(time.Since(h.startedAt).Seconds()),
		"observers":         h.hub.ClientCount(),
		"brokers_monitored": brokersMonitored,
		"active_brokers":    activeBrokers,
		"connected_clients": connectedClients,
		"last_capture":      capturedAt,
	}
	if fe := h.store.LastError(); fe != nil {
		resp["last_error"] = fe
	}
	if tel := collectProcessTelemetry(c.Request.Context()); tel != nil {
		resp["process"] = tel
	}
	c.JSON(http.StatusOK, resp)
}

// countOnline counts broker records whose top-level status field reads
// "online". Records without a recognizable status field are not counted;
// payloads stay otherwise uninterpreted.
func countOnline(brokers map[string]json.RawMessage) int {
	count := 0
	for _, raw := range brokers {
		var record struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			continue
		}
		if record.Status == "online" {
			count++
		}
	}
	return count
}
