package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Allocation records that a sale line consumed MatchedQuantity from a lot.
type Allocation struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"size:64;index;not null" json:"business_id"`
	TradeLineId     int             `gorm:"index;not null" json:"trade_line_id"`
	LotId           int             `gorm:"index;not null" json:"lot_id"`
	MatchedQuantity decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"matched_quantity"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// allocate draws qty from lotId for a sale line. The guarded decrement runs first, so a
// short lot never gets an allocation row.
func allocate(tx *gorm.DB, businessId string, lineId int, lotId int, qty decimal.Decimal) (*Allocation, error) {
	if err := decrementLot(tx, lotId, qty); err != nil {
		return nil, err
	}
	allocation := Allocation{
		BusinessId:      businessId,
		TradeLineId:     lineId,
		LotId:           lotId,
		MatchedQuantity: qty,
	}
	if err := tx.Create(&allocation).Error; err != nil {
		return nil, err
	}
	return &allocation, nil
}

func allocationsForLines(tx *gorm.DB, lineIds []int) ([]Allocation, error) {
	if len(lineIds) == 0 {
		return nil, nil
	}
	var allocations []Allocation
	err := tx.Where("trade_line_id IN ?", lineIds).Order("id").Find(&allocations).Error
	return allocations, err
}

// allocatedByLot sums matched quantity per lot.
func allocatedByLot(tx *gorm.DB, lotIds []int) (map[int]decimal.Decimal, error) {
	result := make(map[int]decimal.Decimal)
	if len(lotIds) == 0 {
		return result, nil
	}
	var rows []struct {
		LotId   int
		Matched decimal.Decimal
	}
	err := tx.Model(&Allocation{}).
		Select("lot_id, SUM(matched_quantity) AS matched").
		Where("lot_id IN ?", lotIds).
		Group("lot_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		result[r.LotId] = r.Matched
	}
	return result, nil
}

func sumAllocated(byLot map[int]decimal.Decimal, lots []Lot) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lots {
		total = total.Add(byLot[l.ID])
	}
	return total
}

// releaseAllocations puts every allocation's quantity back on its lot and deletes the rows.
// Lots are touched in ascending id order.
func releaseAllocations(tx *gorm.DB, allocations []Allocation) error {
	if len(allocations) == 0 {
		return nil
	}
	perLot := make(map[int]decimal.Decimal)
	ids := make([]int, 0, len(allocations))
	for _, a := range allocations {
		perLot[a.LotId] = perLot[a.LotId].Add(a.MatchedQuantity)
		ids = append(ids, a.ID)
	}
	lotIds := make([]int, 0, len(perLot))
	for id := range perLot {
		lotIds = append(lotIds, id)
	}
	if err := tx.Clauses(lockingUpdate).Where("id IN ?", lotIds).Order("id").Find(&[]Lot{}).Error; err != nil {
		return err
	}
	for _, id := range sortedInts(lotIds) {
		if err := restoreLot(tx, id, perLot[id]); err != nil {
			return err
		}
	}
	return tx.Where("id IN ?", ids).Delete(&Allocation{}).Error
}

// matchingBlockers lists the sale allocations drawing on the given lots.
func matchingBlockers(tx *gorm.DB, lotIds []int) ([]MatchingBlocker, error) {
	if len(lotIds) == 0 {
		return nil, nil
	}
	var blockers []MatchingBlocker
	err := tx.Table("allocations a").
		Select(`pl.product_id AS product_id, pl.name AS product_name, a.matched_quantity AS matched_quantity,
			sd.id AS sale_trade_id, sd.trade_number AS sale_trade_number, sd.trade_date AS sale_trade_date,
			sd.counterparty_id AS counterparty_id`).
		Joins("JOIN lots l ON l.id = a.lot_id").
		Joins("JOIN trade_lines pl ON pl.id = l.trade_line_id").
		Joins("JOIN trade_lines sl ON sl.id = a.trade_line_id").
		Joins("JOIN trade_documents sd ON sd.id = sl.trade_id").
		Where("a.lot_id IN ?", lotIds).
		Order("sd.trade_date, sd.id, a.id").
		Scan(&blockers).Error
	return blockers, err
}
