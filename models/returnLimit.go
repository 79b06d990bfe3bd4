package models

import (
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// evaluateReturnLimit reports how much may still be returned against a parent line and
// whether attempted fits. All quantities are absolute.
func evaluateReturnLimit(parentQty, alreadyReturned, attempted decimal.Decimal) (remaining decimal.Decimal, ok bool) {
	remaining = parentQty.Sub(alreadyReturned)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return remaining, attempted.Add(alreadyReturned).LessThanOrEqual(parentQty)
}

// validateReturns checks every return line (negative quantity with a parent) against the
// parent's quantity. Return lines on other non-cancelled documents count toward the cap;
// lines in excludeLineIds are being replaced and do not. Earlier return lines of the same
// batch count as well.
//
// It only reads, and must run before the caller mutates anything.
func validateReturns(tx *gorm.DB, businessId string, lines []NewTradeLine, excludeLineIds []int) error {
	pending := make(map[int]decimal.Decimal)
	for _, line := range lines {
		if line.ParentLineId == nil || !line.Quantity.IsNegative() {
			continue
		}
		parentId := *line.ParentLineId

		var parent TradeLine
		err := tx.Clauses(lockingUpdate).
			Where("business_id = ? AND id = ?", businessId, parentId).
			First(&parent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errTradeNotFound("parent line", parentId)
		}
		if err != nil {
			return err
		}

		returned, err := returnedAgainst(tx, parentId, excludeLineIds)
		if err != nil {
			return err
		}
		returned = returned.Add(pending[parentId])

		attempted := line.Quantity.Abs()
		parentQty := parent.Quantity.Abs()
		remaining, ok := evaluateReturnLimit(parentQty, returned, attempted)
		if !ok {
			name := parent.Name
			if name == "" {
				name = line.Name
			}
			return newTradeError(TradeErrorReturnLimitExceeded, &ReturnLimitDetail{
				ParentLineId:      parentId,
				ProductName:       name,
				ParentQuantity:    parentQty,
				AlreadyReturned:   returned,
				AttemptedQuantity: attempted,
				RemainingQuantity: remaining,
			}, "%s: returning %s exceeds what is left (%s of %s)", name, attempted.String(), remaining.String(), parentQty.String())
		}
		pending[parentId] = pending[parentId].Add(attempted)
	}
	return nil
}

// returnedAgainst sums the absolute quantity of return lines pointing at parentId on
// non-cancelled documents.
func returnedAgainst(tx *gorm.DB, parentId int, excludeLineIds []int) (decimal.Decimal, error) {
	query := tx.Table("trade_lines l").
		Select("COALESCE(SUM(ABS(l.quantity)), 0) AS returned").
		Joins("JOIN trade_documents d ON d.id = l.trade_id").
		Where("l.parent_line_id = ? AND l.quantity < 0 AND d.current_status <> ?", parentId, TradeStatusCancelled)
	if len(excludeLineIds) > 0 {
		query = query.Where("l.id NOT IN ?", excludeLineIds)
	}
	var row struct {
		Returned decimal.Decimal
	}
	if err := query.Scan(&row).Error; err != nil {
		return decimal.Zero, err
	}
	return row.Returned, nil
}

// returnReferences counts return lines outside tradeId that point at lineId, on documents
// of any status.
func returnReferences(tx *gorm.DB, tradeId, lineId int) (int64, error) {
	var count int64
	err := tx.Model(&TradeLine{}).
		Where("parent_line_id = ? AND trade_id <> ?", lineId, tradeId).
		Count(&count).Error
	return count, err
}
