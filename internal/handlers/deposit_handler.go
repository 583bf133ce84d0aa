package handlers

import (
	"net/http"
	"strconv"

	"custody-backend/internal/deposit"
	"custody-backend/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DepositHandler serves intent creation and lookup for the internal API
// consumed by the bot frontend.
type DepositHandler struct {
	db   *gorm.DB
	proc *deposit.Processor
}

func NewDepositHandler(db *gorm.DB, proc *deposit.Processor) *DepositHandler {
	return &DepositHandler{db: db, proc: proc}
}

type createIntentRequest struct {
	UserID uint64 `json:"user_id" binding:"required"`
	Tier   int    `json:"tier" binding:"required"`
}

// CreateIntent opens a deposit intent for a user.
func (h *DepositHandler) CreateIntent(c *gin.Context) {
	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and tier are required"})
		return
	}

	intent, err := h.proc.CreateIntent(c.Request.Context(), req.UserID, req.Tier)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"user": req.UserID, "tier": req.Tier}).Warn("intent creation rejected")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, intent)
}

// GetIntent returns one intent by ID.
func (h *DepositHandler) GetIntent(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid intent id"})
		return
	}

	var intent models.DepositIntent
	if err := h.db.WithContext(c.Request.Context()).Where("id = ?", id).First(&intent).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "intent not found"})
			return
		}
		logrus.WithError(err).Error("intent lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, intent)
}

// ListUserIntents returns a user's intents, newest first.
func (h *DepositHandler) ListUserIntents(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	var intents []models.DepositIntent
	if err := h.db.WithContext(c.Request.Context()).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(100).
		Find(&intents).Error; err != nil {
		logrus.WithError(err).Error("intent list failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"intents": intents, "count": len(intents)})
}
