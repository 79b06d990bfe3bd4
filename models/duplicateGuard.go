package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/produce_ledger/config"
	"github.com/mmdatafocus/produce_ledger/utils"
	"gorm.io/gorm"
)

// findActiveDuplicate returns the non-cancelled document of the same type sharing
// counterparty and trade date, or nil.
func findActiveDuplicate(tx *gorm.DB, businessId string, counterpartyId int, tradeDate time.Time, tradeType TradeType, excludeId *int) (*TradeRef, error) {
	query := tx.Model(&TradeDocument{}).
		Where("business_id = ? AND counterparty_id = ? AND trade_date = ? AND trade_type = ? AND current_status <> ?",
			businessId, counterpartyId, utils.TruncateToDate(tradeDate), tradeType, TradeStatusCancelled)
	if excludeId != nil {
		query = query.Where("id <> ?", *excludeId)
	}
	var doc TradeDocument
	err := query.Order("id").First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.ref(), nil
}

func guardDuplicate(tx *gorm.DB, businessId string, counterpartyId int, tradeDate time.Time, tradeType TradeType, excludeId *int) error {
	existing, err := findActiveDuplicate(tx, businessId, counterpartyId, tradeDate, tradeType, excludeId)
	if err != nil {
		return err
	}
	if existing != nil {
		return newTradeError(TradeErrorDuplicateDocument, existing,
			"%s already exists for this counterparty on %s", existing.TradeNumber, existing.TradeDate.Format("2006-01-02"))
	}
	return nil
}

// CheckDuplicate lets a caller warn before submitting. It returns the blocking document or nil.
func CheckDuplicate(ctx context.Context, counterpartyId int, tradeDate time.Time, tradeType TradeType, excludeId *int) (*TradeRef, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if !tradeType.IsValid() {
		return nil, errInvalidInput(map[string]string{"trade_type": "oneof"}, "unknown trade type %q", tradeType)
	}

	existing, err := findActiveDuplicate(config.GetDB().WithContext(ctx), businessId, counterpartyId, tradeDate, tradeType, excludeId)
	if err != nil {
		config.LogError(config.GetLogger(), "TradeDocument", "CheckDuplicate", "findActiveDuplicate", counterpartyId, err)
		return nil, err
	}
	return existing, nil
}
