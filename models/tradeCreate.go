package models

import (
	"context"
	"errors"

	"github.com/mmdatafocus/produce_ledger/config"
	"github.com/mmdatafocus/produce_ledger/utils"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// CreateTrade persists a trade document and its lines in one transaction.
//
// Purchase lines with a positive quantity open a lot each. Sale lines carrying a lot id
// draw from that lot through a guarded decrement. Return lines are checked against
// their parent's quantity before anything is written. Any failure rolls the whole
// document back.
func CreateTrade(ctx context.Context, input *NewTrade) (*CreateTradeResult, error) {
	ctx, span := startSpan(ctx, "CreateTrade", attribute.String("trade.type", string(input.TradeType)))
	var err error
	defer func() { endSpan(span, err) }()

	logger := config.GetLogger()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		err = errors.New("business id is required")
		return nil, err
	}
	if err = input.validate(); err != nil {
		config.LogRejected(logger, "TradeDocument", "CreateTrade", string(TradeErrorInvalidInput), input, err)
		return nil, err
	}

	tradeDate := utils.TruncateToDate(input.TradeDate)
	release := utils.TradeNumberLock(ctx, businessId, tradeNumberKey(input.TradeType, tradeDate))
	defer release()

	var result *CreateTradeResult
	result, err = createTrade(ctx, businessId, input)
	if err != nil {
		logTradeFailure("CreateTrade", input, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("trade.id", result.ID), attribute.String("trade.number", result.TradeNumber))
	return result, nil
}

func createTrade(ctx context.Context, businessId string, input *NewTrade) (*CreateTradeResult, error) {
	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	defer tx.Rollback()

	if input.status() != TradeStatusCancelled {
		if err := validateReturns(tx, businessId, input.Lines, nil); err != nil {
			return nil, err
		}
		if err := guardDuplicate(tx, businessId, input.CounterpartyId, input.TradeDate, input.TradeType, nil); err != nil {
			return nil, err
		}
	}

	doc := TradeDocument{BusinessId: businessId}
	input.applyTo(&doc)
	number, err := nextTradeNumber(tx, businessId, doc.TradeType, doc.TradeDate)
	if err != nil {
		return nil, err
	}
	doc.TradeNumber = number
	if err := tx.Omit("Lines").Create(&doc).Error; err != nil {
		if utils.IsDuplicateKeyError(err, tradeNumberIndex) {
			return nil, errDuplicateNumber(number, err)
		}
		return nil, err
	}

	for i, item := range input.Lines {
		line := TradeLine{
			BusinessId:     businessId,
			TradeId:        doc.ID,
			SequenceNo:     i + 1,
			MatchingStatus: MatchingStatusUnmatched,
		}
		item.applyTo(&line)
		if err := tx.Create(&line).Error; err != nil {
			return nil, err
		}
		if err := applyLineStockEffect(tx, &doc, &line, item); err != nil {
			return nil, err
		}
	}

	snapshot, err := snapshotTrade(tx, doc.ID)
	if err != nil {
		return nil, err
	}
	if err := writeTradeOutbox(ctx, tx, snapshot, TradeOutboxActionCreate); err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		if utils.IsDuplicateKeyError(err, tradeNumberIndex) {
			return nil, errDuplicateNumber(number, err)
		}
		return nil, err
	}
	return &CreateTradeResult{ID: doc.ID, TradeNumber: doc.TradeNumber}, nil
}

// applyLineStockEffect opens a lot for a purchase line or draws the chosen lot for a sale line.
// Production documents carry no lot side effects here.
func applyLineStockEffect(tx *gorm.DB, doc *TradeDocument, line *TradeLine, item NewTradeLine) error {
	if !line.Quantity.IsPositive() {
		return nil
	}
	switch doc.TradeType {
	case TradeTypePurchase:
		_, err := createLotForLine(tx, doc, line)
		return err
	case TradeTypeSale:
		if item.LotId == nil {
			return nil
		}
		if _, err := lockLot(tx, doc.BusinessId, *item.LotId); err != nil {
			return err
		}
		if _, err := allocate(tx, doc.BusinessId, line.ID, *item.LotId, line.Quantity); err != nil {
			return err
		}
		return setMatchingStatus(tx, line, line.Quantity)
	}
	return nil
}

func matchingStatusFor(quantity, covered decimal.Decimal) MatchingStatus {
	switch {
	case !quantity.IsPositive() || !covered.IsPositive():
		return MatchingStatusUnmatched
	case covered.GreaterThanOrEqual(quantity):
		return MatchingStatusMatched
	}
	return MatchingStatusPartial
}

// setMatchingStatus derives a sale line's status from how much of it is covered.
func setMatchingStatus(tx *gorm.DB, line *TradeLine, covered decimal.Decimal) error {
	line.MatchingStatus = matchingStatusFor(line.Quantity, covered)
	return tx.Model(&TradeLine{}).Where("id = ?", line.ID).Update("matching_status", line.MatchingStatus).Error
}

func logTradeFailure(funcName string, data any, err error) {
	logger := config.GetLogger()
	if te, ok := AsTradeError(err); ok {
		config.LogRejected(logger, "TradeDocument", funcName, string(te.Kind), data, err)
		return
	}
	config.LogError(logger, "TradeDocument", funcName, "Transaction", data, err)
}
