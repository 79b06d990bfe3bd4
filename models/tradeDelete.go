package models

import (
	"context"
	"errors"

	"github.com/mmdatafocus/produce_ledger/config"
	"github.com/mmdatafocus/produce_ledger/utils"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// DeleteTrade removes a document and everything that hangs off it.
//
// A purchase is refused while any of its lots is matched to a sale, consumed by
// production or counted in a completed audit. Deleting a sale gives its matched
// quantity back to the lots. Payments generated from the document go with it.
func DeleteTrade(ctx context.Context, id int) error {
	ctx, span := startSpan(ctx, "DeleteTrade", attribute.Int("trade.id", id))
	var err error
	defer func() { endSpan(span, err) }()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		err = errors.New("business id is required")
		return err
	}

	if err = deleteTrade(ctx, businessId, id); err != nil {
		logTradeFailure("DeleteTrade", id, err)
		return err
	}
	return nil
}

func deleteTrade(ctx context.Context, businessId string, id int) error {
	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	defer tx.Rollback()

	if _, err := lockTradeDocument(tx, businessId, id); err != nil {
		return err
	}
	snapshot, err := snapshotTrade(tx, id)
	if err != nil {
		return err
	}
	lineIds := lineIdsOf(snapshot.Lines)

	switch snapshot.TradeType {
	case TradeTypePurchase:
		if err := deletePurchaseStock(tx, lineIds); err != nil {
			return err
		}
	case TradeTypeSale:
		allocations, err := allocationsForLines(tx, lineIds)
		if err != nil {
			return err
		}
		if err := releaseAllocations(tx, allocations); err != nil {
			return err
		}
	case TradeTypeProduction:
		if err := deleteProductionIngredients(tx, id); err != nil {
			return err
		}
	}

	if err := deletePaymentsSourcedFrom(tx, id); err != nil {
		return err
	}
	if err := writeTradeOutbox(ctx, tx, snapshot, TradeOutboxActionDelete); err != nil {
		return err
	}
	if len(lineIds) > 0 {
		if err := tx.Where("trade_id = ?", id).Delete(&TradeLine{}).Error; err != nil {
			return err
		}
	}
	if err := tx.Where("id = ?", id).Delete(&TradeDocument{}).Error; err != nil {
		return err
	}
	return tx.Commit().Error
}

// deletePurchaseStock checks every guard on a purchase's lots and only then removes them.
func deletePurchaseStock(tx *gorm.DB, lineIds []int) error {
	lots, err := lotsForLines(tx, lineIds)
	if err != nil {
		return err
	}
	lotIds := lotIdsOf(lots)
	if len(lotIds) == 0 {
		return nil
	}

	blockers, err := matchingBlockers(tx, lotIds)
	if err != nil {
		return err
	}
	if len(blockers) > 0 {
		return newTradeError(TradeErrorMatchingExists, blockers,
			"stock from this purchase is matched to %d sale line(s)", len(blockers))
	}
	if err := guardLotsRemovable(tx, lotIds); err != nil {
		return err
	}
	return deleteLots(tx, lotIds)
}
