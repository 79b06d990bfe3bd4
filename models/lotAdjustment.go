package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/produce_ledger/config"
	"github.com/mmdatafocus/produce_ledger/utils"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// LotAdjustment is the history of quantity moved between lots or corrected after a count.
// Quantity is signed: negative on the lot that lost stock.
type LotAdjustment struct {
	ID           int                 `gorm:"primary_key" json:"id"`
	BusinessId   string              `gorm:"size:64;index;not null" json:"business_id"`
	LotId        int                 `gorm:"index;not null" json:"lot_id"`
	CounterLotId *int                `gorm:"default:null" json:"counter_lot_id"`
	Quantity     decimal.Decimal     `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Reason       LotAdjustmentReason `gorm:"type:enum('TRANSFER_OUT','TRANSFER_IN','COUNT_CORRECTION');not null" json:"reason"`
	Notes        string              `gorm:"size:255;default:null" json:"notes"`
	CreatedAt    time.Time           `gorm:"autoCreateTime" json:"created_at"`
}

type NewLotSplit struct {
	Quantity    decimal.Decimal `json:"quantity"`
	WarehouseId *int            `json:"warehouse_id" validate:"omitempty,gt=0"`
	Notes       string          `json:"notes" validate:"max=255"`
}

// SplitLot moves part of a lot's unallocated stock into a new fragment, typically to
// another warehouse. The source lot's original and remaining quantities both shrink by
// the moved amount, so allocations stay balanced on both lots. Once a purchase line has
// more than one lot its quantity can no longer be edited.
func SplitLot(ctx context.Context, lotId int, input *NewLotSplit) (*Lot, error) {
	ctx, span := startSpan(ctx, "SplitLot", attribute.Int("lot.id", lotId))
	var err error
	defer func() { endSpan(span, err) }()

	db := config.GetDB()
	logger := config.GetLogger()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		err = errors.New("business id is required")
		return nil, err
	}
	if err = utils.ValidateStruct(input); err != nil {
		err = errInvalidInput(utils.ProcessValidationErrors(err), "invalid split input")
		return nil, err
	}
	if !input.Quantity.IsPositive() {
		err = errInvalidInput(map[string]string{"quantity": "gt"}, "split quantity must be positive")
		return nil, err
	}

	var fragment *Lot
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		source, err := lockLot(tx, businessId, lotId)
		if err != nil {
			return err
		}

		result := tx.Model(&Lot{}).
			Where("id = ? AND remaining_quantity >= ?", source.ID, input.Quantity).
			Updates(map[string]interface{}{
				"original_quantity":  gorm.Expr("original_quantity - ?", input.Quantity),
				"remaining_quantity": gorm.Expr("remaining_quantity - ?", input.Quantity),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return newTradeError(TradeErrorInsufficientStock,
				&StockShortage{LotId: source.ID, Requested: input.Quantity, Available: source.RemainingQuantity},
				"lot %d has %s available, %s requested", source.ID, source.RemainingQuantity.String(), input.Quantity.String())
		}
		if err := refreshLotStatus(tx, source.ID); err != nil {
			return err
		}

		rootId := source.ID
		if source.ParentLotId != nil {
			rootId = *source.ParentLotId
		}
		warehouseId := source.WarehouseId
		if input.WarehouseId != nil {
			warehouseId = input.WarehouseId
		}
		fragment = &Lot{
			BusinessId:        businessId,
			TradeLineId:       source.TradeLineId,
			ParentLotId:       &rootId,
			ProductId:         source.ProductId,
			WarehouseId:       warehouseId,
			OriginalQuantity:  input.Quantity,
			RemainingQuantity: input.Quantity,
			UnitCost:          source.UnitCost,
			CurrentStatus:     LotStatusAvailable,
		}
		if err := tx.Create(fragment).Error; err != nil {
			return err
		}

		history := []LotAdjustment{
			{BusinessId: businessId, LotId: source.ID, CounterLotId: &fragment.ID, Quantity: input.Quantity.Neg(), Reason: LotAdjustmentReasonTransferOut, Notes: input.Notes},
			{BusinessId: businessId, LotId: fragment.ID, CounterLotId: &source.ID, Quantity: input.Quantity, Reason: LotAdjustmentReasonTransferIn, Notes: input.Notes},
		}
		return tx.Create(&history).Error
	})
	if err != nil {
		if _, isTradeErr := AsTradeError(err); isTradeErr {
			config.LogRejected(logger, "Lot", "SplitLot", "Split", lotId, err)
		} else {
			config.LogError(logger, "Lot", "SplitLot", "Transaction", lotId, err)
		}
		return nil, err
	}
	return fragment, nil
}

type NewLotAdjustment struct {
	Delta decimal.Decimal `json:"delta"`
	Notes string          `json:"notes" validate:"max=255"`
}

// AdjustLot applies a physical-count correction to a lot. Original and remaining quantity
// move together, so the matched part is unaffected; a negative delta can take at most the
// unmatched remainder.
func AdjustLot(ctx context.Context, lotId int, input *NewLotAdjustment) (*Lot, error) {
	ctx, span := startSpan(ctx, "AdjustLot", attribute.Int("lot.id", lotId))
	var err error
	defer func() { endSpan(span, err) }()

	db := config.GetDB()
	logger := config.GetLogger()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		err = errors.New("business id is required")
		return nil, err
	}
	if err = utils.ValidateStruct(input); err != nil {
		err = errInvalidInput(utils.ProcessValidationErrors(err), "invalid adjustment input")
		return nil, err
	}
	if input.Delta.IsZero() {
		err = errInvalidInput(map[string]string{"delta": "ne"}, "adjustment must not be zero")
		return nil, err
	}

	var adjusted Lot
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lot, err := lockLot(tx, businessId, lotId)
		if err != nil {
			return err
		}

		result := tx.Model(&Lot{}).
			Where("id = ? AND remaining_quantity + ? >= 0", lot.ID, input.Delta).
			Updates(map[string]interface{}{
				"original_quantity":  gorm.Expr("original_quantity + ?", input.Delta),
				"remaining_quantity": gorm.Expr("remaining_quantity + ?", input.Delta),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return newTradeError(TradeErrorInsufficientStock,
				&StockShortage{LotId: lot.ID, Requested: input.Delta.Neg(), Available: lot.RemainingQuantity},
				"lot %d has %s available, cannot remove %s", lot.ID, lot.RemainingQuantity.String(), input.Delta.Neg().String())
		}
		if err := refreshLotStatus(tx, lot.ID); err != nil {
			return err
		}
		if err := tx.Create(&LotAdjustment{
			BusinessId: businessId,
			LotId:      lot.ID,
			Quantity:   input.Delta,
			Reason:     LotAdjustmentReasonCountCorrection,
			Notes:      input.Notes,
		}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", lot.ID).First(&adjusted).Error
	})
	if err != nil {
		if _, isTradeErr := AsTradeError(err); isTradeErr {
			config.LogRejected(logger, "Lot", "AdjustLot", "Adjust", lotId, err)
		} else {
			config.LogError(logger, "Lot", "AdjustLot", "Transaction", lotId, err)
		}
		return nil, err
	}
	return &adjusted, nil
}
