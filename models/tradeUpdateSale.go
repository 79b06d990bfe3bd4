package models

import (
	"github.com/mmdatafocus/produce_ledger/config"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// salePlan pairs incoming sale lines with existing ones before the lines are replaced.
type salePlan struct {
	// Reasons holds one entry per incoming line; empty when the line carries over unchanged.
	Reasons []RematchReason
	// Paired holds, per incoming line, the id of the existing line it replaces or 0.
	Paired []int
	// Changed lists matched existing lines that were paired with a different quantity.
	Changed []int
	// Removed lists existing lines no incoming line was paired with.
	Removed []int
}

type pairKey struct {
	productId int
	returning bool
}

// planSaleRematch pairs each incoming line with the first unpaired existing line of the
// same product, in declaration order. Return lines only pair with return lines. A quantity
// change only asks for rematching when the existing line had stock allocated to it.
//
// Pairing is by product only, so two lines of one product can be paired crosswise when
// their order changes.
func planSaleRematch(existing []TradeLine, incoming []NewTradeLine, allocated map[int]decimal.Decimal) salePlan {
	queues := make(map[pairKey][]*TradeLine)
	for i := range existing {
		line := &existing[i]
		key := pairKey{productId: line.ProductId, returning: line.Quantity.IsNegative()}
		queues[key] = append(queues[key], line)
	}

	plan := salePlan{
		Reasons: make([]RematchReason, len(incoming)),
		Paired:  make([]int, len(incoming)),
	}
	popped := make(map[int]struct{})
	for i, item := range incoming {
		key := pairKey{productId: item.ProductId, returning: item.Quantity.IsNegative()}
		queue := queues[key]
		if len(queue) == 0 {
			plan.Reasons[i] = RematchReasonNew
			continue
		}
		match := queue[0]
		queues[key] = queue[1:]
		popped[match.ID] = struct{}{}
		plan.Paired[i] = match.ID
		if !match.Quantity.Equal(item.Quantity) && allocated[match.ID].IsPositive() {
			plan.Reasons[i] = RematchReasonQuantityChanged
			plan.Changed = append(plan.Changed, match.ID)
		}
	}
	for _, line := range existing {
		if _, ok := popped[line.ID]; !ok {
			plan.Removed = append(plan.Removed, line.ID)
		}
	}
	return plan
}

func allocatedByLine(allocations []Allocation) map[int]decimal.Decimal {
	out := make(map[int]decimal.Decimal)
	for _, a := range allocations {
		out[a.TradeLineId] = out[a.TradeLineId].Add(a.MatchedQuantity)
	}
	return out
}

type poolEntry struct {
	productId int
	lotId     int
	quantity  decimal.Decimal
}

type poolTake struct {
	lotId    int
	quantity decimal.Decimal
}

// allocationPool is the snapshot of a sale document's allocations taken before its lines
// are replaced. New lines draw from it by product, oldest line first.
type allocationPool struct {
	entries []*poolEntry
}

func newAllocationPool(existing []TradeLine, allocations []Allocation) *allocationPool {
	byLine := make(map[int][]Allocation)
	for _, a := range allocations {
		byLine[a.TradeLineId] = append(byLine[a.TradeLineId], a)
	}
	pool := &allocationPool{}
	for _, line := range existing {
		for _, a := range byLine[line.ID] {
			pool.entries = append(pool.entries, &poolEntry{
				productId: line.ProductId,
				lotId:     a.LotId,
				quantity:  a.MatchedQuantity,
			})
		}
	}
	return pool
}

// take consumes up to need from entries of productId. A partly consumed entry keeps
// its leftover for the next line of the same product.
func (p *allocationPool) take(productId int, need decimal.Decimal) []poolTake {
	var takes []poolTake
	for _, e := range p.entries {
		if !need.IsPositive() {
			break
		}
		if e.productId != productId || !e.quantity.IsPositive() {
			continue
		}
		q := decimal.Min(e.quantity, need)
		e.quantity = e.quantity.Sub(q)
		need = need.Sub(q)
		takes = append(takes, poolTake{lotId: e.lotId, quantity: q})
	}
	return takes
}

// replaceSaleLines deletes a sale document's lines and reinserts the incoming ones.
//
// Every allocation of the old lines goes back to its lot first. New lines then take
// allocations from the snapshot pool by product, and a line still short draws the
// remainder from its chosen lot. Lines that were new or changed quantity and end up
// short are returned for the caller to rematch. Returns pointing at a replaced line are
// moved onto the line that replaces it.
func replaceSaleLines(tx *gorm.DB, doc *TradeDocument, existing []TradeLine, incoming []NewTradeLine) ([]UnmatchedItem, error) {
	allocations, err := allocationsForLines(tx, lineIdsOf(existing))
	if err != nil {
		return nil, err
	}
	plan := planSaleRematch(existing, incoming, allocatedByLine(allocations))
	if err := guardReturnedLines(tx, doc, existing, incoming, plan); err != nil {
		return nil, err
	}
	pool := newAllocationPool(existing, allocations)

	config.GetLogger().WithFields(logrus.Fields{
		"trade_id":    doc.ID,
		"allocations": len(allocations),
		"changed":     len(plan.Changed),
		"removed":     len(plan.Removed),
	}).Debug("replacing sale lines")

	if err := releaseAllocations(tx, allocations); err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		if err := tx.Where("trade_id = ?", doc.ID).Delete(&TradeLine{}).Error; err != nil {
			return nil, err
		}
	}

	unmatched := []UnmatchedItem{}
	newIds := make([]int, len(incoming))
	for i, item := range incoming {
		line := TradeLine{
			BusinessId:     doc.BusinessId,
			TradeId:        doc.ID,
			SequenceNo:     i + 1,
			MatchingStatus: MatchingStatusUnmatched,
		}
		item.applyTo(&line)
		if err := tx.Create(&line).Error; err != nil {
			return nil, err
		}
		newIds[i] = line.ID

		covered := decimal.Zero
		if line.Quantity.IsPositive() {
			for _, t := range pool.take(line.ProductId, line.Quantity) {
				if _, err := allocate(tx, doc.BusinessId, line.ID, t.lotId, t.quantity); err != nil {
					return nil, err
				}
				covered = covered.Add(t.quantity)
			}
			shortfall := line.Quantity.Sub(covered)
			if shortfall.IsPositive() && item.LotId != nil {
				if _, err := lockLot(tx, doc.BusinessId, *item.LotId); err != nil {
					return nil, err
				}
				if _, err := allocate(tx, doc.BusinessId, line.ID, *item.LotId, shortfall); err != nil {
					return nil, err
				}
				covered = line.Quantity
			}
		}
		if err := setMatchingStatus(tx, &line, covered); err != nil {
			return nil, err
		}

		if plan.Reasons[i] != "" && line.Quantity.IsPositive() && covered.LessThan(line.Quantity) {
			unmatched = append(unmatched, UnmatchedItem{
				LineId:          line.ID,
				SequenceNo:      line.SequenceNo,
				ProductId:       line.ProductId,
				Name:            line.Name,
				Quantity:        line.Quantity,
				MatchedQuantity: covered,
				Reason:          plan.Reasons[i],
			})
		}
	}

	// new ids are above every old id, so no reference is moved twice
	for i, oldId := range plan.Paired {
		if oldId == 0 {
			continue
		}
		if err := tx.Model(&TradeLine{}).
			Where("parent_line_id = ?", oldId).
			Update("parent_line_id", newIds[i]).Error; err != nil {
			return nil, err
		}
	}
	return unmatched, nil
}

// guardReturnedLines keeps the return cap intact across a sale line replacement. A line
// that is dropped must not have returns pointing at it, and a line that is kept must
// still cover everything already returned against it.
func guardReturnedLines(tx *gorm.DB, doc *TradeDocument, existing []TradeLine, incoming []NewTradeLine, plan salePlan) error {
	incomingReturns := make(map[int]decimal.Decimal)
	for _, item := range incoming {
		if item.ParentLineId != nil && item.Quantity.IsNegative() {
			incomingReturns[*item.ParentLineId] = incomingReturns[*item.ParentLineId].Add(item.Quantity.Abs())
		}
	}
	existingById := make(map[int]*TradeLine, len(existing))
	for i := range existing {
		existingById[existing[i].ID] = &existing[i]
	}

	for _, id := range plan.Removed {
		line := existingById[id]
		if !line.Quantity.IsPositive() {
			continue
		}
		refs, err := returnReferences(tx, doc.ID, id)
		if err != nil {
			return err
		}
		if refs > 0 || incomingReturns[id].IsPositive() {
			return newTradeError(TradeErrorCannotDeleteMatchedLine, &MatchedLineDetail{
				LineId:      id,
				ProductId:   line.ProductId,
				ProductName: line.Name,
			}, "%s has returns recorded against it and cannot be removed", line.Name)
		}
	}

	for i, id := range plan.Paired {
		if id == 0 || !incoming[i].Quantity.IsPositive() {
			continue
		}
		line := existingById[id]
		returned, err := returnedAgainst(tx, id, lineIdsOf(existing))
		if err != nil {
			return err
		}
		returned = returned.Add(incomingReturns[id])
		newQty := incoming[i].Quantity
		if returned.GreaterThan(newQty) {
			return newTradeError(TradeErrorReturnLimitExceeded, &ReturnLimitDetail{
				ParentLineId:      id,
				ProductName:       line.Name,
				ParentQuantity:    newQty,
				AlreadyReturned:   returned,
				AttemptedQuantity: returned,
				RemainingQuantity: decimal.Zero,
			}, "%s: %s already returned exceeds the new quantity %s", line.Name, returned.String(), newQty.String())
		}
	}
	return nil
}
