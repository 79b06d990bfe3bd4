package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/produce_ledger/config"
	"github.com/mmdatafocus/produce_ledger/models"
	"github.com/mmdatafocus/produce_ledger/utils"
	"github.com/sirupsen/logrus"
)

type tradeErrorResponse struct {
	Kind      models.TradeErrorKind `json:"kind"`
	Message   string                `json:"message"`
	Data      any                   `json:"data,omitempty"`
	Retryable bool                  `json:"retryable"`
}

func statusForTradeError(kind models.TradeErrorKind) int {
	switch kind {
	case models.TradeErrorNotFound:
		return http.StatusNotFound
	case models.TradeErrorInvalidInput, models.TradeErrorReturnLimitExceeded:
		return http.StatusUnprocessableEntity
	case models.TradeErrorDuplicateDocument,
		models.TradeErrorDuplicateNumber,
		models.TradeErrorInsufficientStock,
		models.TradeErrorMatchingExists,
		models.TradeErrorUsedInProduction,
		models.TradeErrorAuditLocked,
		models.TradeErrorSplitLotImmutable,
		models.TradeErrorQuantityBelowMatched,
		models.TradeErrorMatchedLineProductLocked,
		models.TradeErrorCannotDeleteMatchedLine:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeTradeError renders business rejections with their kind and payload. Anything else
// is an internal failure and only its correlation id goes back to the caller.
func writeTradeError(c *gin.Context, err error) {
	if te, ok := models.AsTradeError(err); ok {
		c.JSON(statusForTradeError(te.Kind), tradeErrorResponse{
			Kind:      te.Kind,
			Message:   te.Message,
			Data:      te.Data,
			Retryable: te.Retryable(),
		})
		return
	}
	_ = c.Error(err)
	cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "correlation_id": cid})
}

func bindTradeInput(c *gin.Context) (*models.NewTrade, bool) {
	var input models.NewTrade
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return nil, false
	}
	return &input, true
}

func idParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// createTradeHandler retries a create that lost the trade number race, up to
// TRADE_NUMBER_RETRIES extra attempts.
func createTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		input, ok := bindTradeInput(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		retries := config.TradeNumberRetries()

		var (
			result *models.CreateTradeResult
			err    error
		)
		for attempt := 0; ; attempt++ {
			result, err = models.CreateTrade(ctx, input)
			if err == nil || !models.IsTradeErrorKind(err, models.TradeErrorDuplicateNumber) || attempt >= retries {
				break
			}
			config.GetLogger().WithFields(logrus.Fields{
				"field":   "createTradeHandler",
				"attempt": attempt + 1,
			}).Warn("trade number taken concurrently; retrying")
		}
		if err != nil {
			writeTradeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

func getTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		doc, err := models.GetTrade(c.Request.Context(), id)
		if err != nil {
			writeTradeError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

func updateTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		input, ok := bindTradeInput(c)
		if !ok {
			return
		}
		result, err := models.UpdateTrade(c.Request.Context(), id, input)
		if err != nil {
			writeTradeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func deleteTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		if err := models.DeleteTrade(c.Request.Context(), id); err != nil {
			writeTradeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type duplicateCheckQuery struct {
	CounterpartyId int    `form:"counterparty_id" binding:"required"`
	TradeDate      string `form:"trade_date" binding:"required"`
	TradeType      string `form:"trade_type" binding:"required"`
	ExcludeId      *int   `form:"exclude_id"`
}

func checkDuplicateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var q duplicateCheckQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
			return
		}
		tradeDate, err := time.Parse("2006-01-02", q.TradeDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "trade_date must be YYYY-MM-DD"})
			return
		}
		existing, err := models.CheckDuplicate(c.Request.Context(), q.CounterpartyId, tradeDate, models.TradeType(q.TradeType), q.ExcludeId)
		if err != nil {
			writeTradeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"duplicate": existing != nil, "existing": existing})
	}
}

func splitLotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		var input models.NewLotSplit
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
			return
		}
		lot, err := models.SplitLot(c.Request.Context(), id, &input)
		if err != nil {
			writeTradeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, lot)
	}
}

func adjustLotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		var input models.NewLotAdjustment
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
			return
		}
		lot, err := models.AdjustLot(c.Request.Context(), id, &input)
		if err != nil {
			writeTradeError(c, err)
			return
		}
		c.JSON(http.StatusOK, lot)
	}
}

type tradeOutboxReplayRequest struct {
	RecordIds []int `json:"record_ids" binding:"required,min=1"`
}

func tradeOutboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tradeOutboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		requeued, err := models.RequeueTradeOutbox(c.Request.Context(), config.GetDB(), req.RecordIds)
		if err != nil {
			writeTradeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"requeued": requeued})
	}
}

func lotInvariantsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())
		lots, returns, err := models.ScanLotInvariantViolations(c.Request.Context(), config.GetDB(), businessId)
		if err != nil {
			writeTradeError(c, errors.Join(errors.New("invariant scan failed"), err))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ok":                  len(lots) == 0 && len(returns) == 0,
			"lot_violations":      lots,
			"return_cap_breaches": returns,
		})
	}
}
