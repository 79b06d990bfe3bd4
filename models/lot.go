package models

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Lot is a traceable quantity of stock born from one purchase line.
// A line owns exactly one lot until the lot is split; fragments keep the same
// TradeLineId and point at the root lot through ParentLotId.
type Lot struct {
	ID                int             `gorm:"primary_key" json:"id"`
	BusinessId        string          `gorm:"size:64;index;not null" json:"business_id"`
	TradeLineId       int             `gorm:"index;not null" json:"trade_line_id"`
	ParentLotId       *int            `gorm:"index;default:null" json:"parent_lot_id"`
	ProductId         int             `gorm:"index;not null" json:"product_id"`
	WarehouseId       *int            `gorm:"default:null" json:"warehouse_id"`
	OriginalQuantity  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"original_quantity"`
	RemainingQuantity decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"remaining_quantity"`
	UnitCost          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	CurrentStatus     LotStatus       `gorm:"type:enum('AVAILABLE','DEPLETED');default:AVAILABLE" json:"current_status"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func lotStatusFor(remaining decimal.Decimal) LotStatus {
	if remaining.IsPositive() {
		return LotStatusAvailable
	}
	return LotStatusDepleted
}

// createLotForLine opens a fresh lot for a positive purchase line.
func createLotForLine(tx *gorm.DB, doc *TradeDocument, line *TradeLine) (*Lot, error) {
	lot := Lot{
		BusinessId:        doc.BusinessId,
		TradeLineId:       line.ID,
		ProductId:         line.ProductId,
		WarehouseId:       doc.WarehouseId,
		OriginalQuantity:  line.Quantity,
		RemainingQuantity: line.Quantity,
		UnitCost:          line.lineCost(),
		CurrentStatus:     lotStatusFor(line.Quantity),
	}
	if err := tx.Create(&lot).Error; err != nil {
		return nil, err
	}
	return &lot, nil
}

func lockLot(tx *gorm.DB, businessId string, lotId int) (*Lot, error) {
	var lot Lot
	err := tx.Clauses(lockingUpdate).
		Where("business_id = ? AND id = ?", businessId, lotId).
		First(&lot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errTradeNotFound("lot", lotId)
	}
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

// decrementLot takes qty out of a lot with a single guarded statement.
// The row is left untouched and InsufficientStock returned when remaining stock is short.
func decrementLot(tx *gorm.DB, lotId int, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return nil
	}
	result := tx.Model(&Lot{}).
		Where("id = ? AND remaining_quantity >= ?", lotId, qty).
		Update("remaining_quantity", gorm.Expr("remaining_quantity - ?", qty))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var current Lot
		if err := tx.Select("id", "remaining_quantity").Where("id = ?", lotId).Take(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errTradeNotFound("lot", lotId)
			}
			return err
		}
		return newTradeError(TradeErrorInsufficientStock,
			&StockShortage{LotId: lotId, Requested: qty, Available: current.RemainingQuantity},
			"lot %d has %s available, %s requested", lotId, current.RemainingQuantity.String(), qty.String())
	}
	return refreshLotStatus(tx, lotId)
}

// restoreLot puts qty back on a lot.
func restoreLot(tx *gorm.DB, lotId int, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return nil
	}
	if err := tx.Model(&Lot{}).
		Where("id = ?", lotId).
		Update("remaining_quantity", gorm.Expr("remaining_quantity + ?", qty)).Error; err != nil {
		return err
	}
	return refreshLotStatus(tx, lotId)
}

func refreshLotStatus(tx *gorm.DB, lotId int) error {
	return tx.Model(&Lot{}).
		Where("id = ?", lotId).
		Update("current_status", gorm.Expr("CASE WHEN remaining_quantity > 0 THEN ? ELSE ? END", LotStatusAvailable, LotStatusDepleted)).Error
}

// lotsForLines returns lots owned by the given purchase lines, ordered by id and locked.
func lotsForLines(tx *gorm.DB, lineIds []int) ([]Lot, error) {
	if len(lineIds) == 0 {
		return nil, nil
	}
	var lots []Lot
	err := tx.Clauses(lockingUpdate).Where("trade_line_id IN ?", lineIds).Order("id").Find(&lots).Error
	return lots, err
}

func lotsByLine(lots []Lot) map[int][]Lot {
	m := make(map[int][]Lot)
	for _, l := range lots {
		m[l.TradeLineId] = append(m[l.TradeLineId], l)
	}
	return m
}

func lotIdsOf(lots []Lot) []int {
	ids := make([]int, len(lots))
	for i, l := range lots {
		ids[i] = l.ID
	}
	sort.Ints(ids)
	return ids
}

// deleteLots removes lots with their adjustment history and any in-progress audit items.
// Callers must have checked allocations, production use and completed audits first.
func deleteLots(tx *gorm.DB, lotIds []int) error {
	if len(lotIds) == 0 {
		return nil
	}
	if err := deleteInProgressAuditItems(tx, lotIds); err != nil {
		return err
	}
	if err := tx.Where("lot_id IN ?", lotIds).Delete(&LotAdjustment{}).Error; err != nil {
		return err
	}
	return tx.Where("id IN ?", lotIds).Delete(&Lot{}).Error
}

// guardLotsRemovable rejects removal of lots consumed by production or frozen by a completed audit.
func guardLotsRemovable(tx *gorm.DB, lotIds []int) error {
	if len(lotIds) == 0 {
		return nil
	}
	usedIn, err := productionUsesOfLots(tx, lotIds)
	if err != nil {
		return err
	}
	if len(usedIn) > 0 {
		return newTradeError(TradeErrorUsedInProduction, usedIn,
			"stock from this purchase was consumed by %d production record(s)", len(usedIn))
	}
	audited, err := completedAuditsOfLots(tx, lotIds)
	if err != nil {
		return err
	}
	if len(audited) > 0 {
		return newTradeError(TradeErrorAuditLocked, audited,
			"stock from this purchase is part of %d completed audit(s)", len(audited))
	}
	return nil
}
