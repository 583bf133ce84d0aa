package handlers

import (
	"net/http"
	"strconv"

	"custody-backend/internal/lockmanager"
	"custody-backend/internal/monitor"
	"custody-backend/internal/payment"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminHandler serves the operator surface: lock diagnostics, the payment
// DLQ, payout balances, and monitor state.
type AdminHandler struct {
	locks   *lockmanager.Manager
	engine  *payment.Engine
	sender  *payment.Sender
	monitor *monitor.EventMonitor
}

func NewAdminHandler(locks *lockmanager.Manager, engine *payment.Engine, sender *payment.Sender, mon *monitor.EventMonitor) *AdminHandler {
	return &AdminHandler{locks: locks, engine: engine, sender: sender, monitor: mon}
}

// GetLockStats returns the lock acquisition counters.
func (h *AdminHandler) GetLockStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.locks.Stats().Snapshot())
}

// ResetLockStats zeroes the counters and returns the values as of the reset.
func (h *AdminHandler) ResetLockStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.locks.Stats().Reset())
}

// ListDLQ returns parked payment retry records.
func (h *AdminHandler) ListDLQ(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	records, err := h.engine.ListDLQ(c.Request.Context(), limit)
	if err != nil {
		logrus.WithError(err).Error("dlq list failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list dlq"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// RearmDLQRecord resets a parked record for another round of attempts.
func (h *AdminHandler) RearmDLQRecord(c *gin.Context) {
	record, err := h.engine.Rearm(c.Request.Context(), c.Param("id"))
	if err != nil {
		logrus.WithError(err).WithField("record", c.Param("id")).Warn("rearm rejected")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

// ResolveDLQRecord closes a parked record without resending.
func (h *AdminHandler) ResolveDLQRecord(c *gin.Context) {
	if err := h.engine.Resolve(c.Request.Context(), c.Param("id")); err != nil {
		logrus.WithError(err).WithField("record", c.Param("id")).Warn("resolve rejected")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

// GetBalances reports the payout signer's token balance.
func (h *AdminHandler) GetBalances(c *gin.Context) {
	token, signer, err := h.sender.PayoutBalances(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("balance query failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to query balances"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payout_address": signer.Hex(),
		"token_balance":  token,
	})
}

// GetMonitorState reports the event monitor lifecycle phase.
func (h *AdminHandler) GetMonitorState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": h.monitor.State().String()})
}
