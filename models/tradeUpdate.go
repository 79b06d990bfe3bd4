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

// UpdateTrade replaces a document's header and lines in one transaction.
//
// Purchase and production documents are updated in place so that lots keep their
// identity. Sale documents delete and reinsert their lines, moving existing allocations
// onto the new lines where the product still matches; sale lines left short are
// reported back in the result.
func UpdateTrade(ctx context.Context, id int, input *NewTrade) (*UpdateTradeResult, error) {
	ctx, span := startSpan(ctx, "UpdateTrade", attribute.Int("trade.id", id))
	var err error
	defer func() { endSpan(span, err) }()

	logger := config.GetLogger()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		err = errors.New("business id is required")
		return nil, err
	}
	if err = input.validate(); err != nil {
		config.LogRejected(logger, "TradeDocument", "UpdateTrade", string(TradeErrorInvalidInput), input, err)
		return nil, err
	}

	var result *UpdateTradeResult
	result, err = updateTrade(ctx, businessId, id, input)
	if err != nil {
		logTradeFailure("UpdateTrade", map[string]any{"id": id, "input": input}, err)
		return nil, err
	}
	span.SetAttributes(attribute.Bool("trade.needs_rematching", result.NeedsRematching))
	return result, nil
}

func updateTrade(ctx context.Context, businessId string, id int, input *NewTrade) (*UpdateTradeResult, error) {
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

	doc, err := lockTradeDocument(tx, businessId, id)
	if err != nil {
		return nil, err
	}
	if input.TradeType != doc.TradeType {
		return nil, errInvalidInput(map[string]string{"trade_type": string(doc.TradeType)},
			"%s cannot be changed to %s", doc.TradeNumber, input.TradeType)
	}
	existing, err := linesOfTrade(tx, doc.ID)
	if err != nil {
		return nil, err
	}

	if input.status() != TradeStatusCancelled {
		if err := validateReturns(tx, businessId, input.Lines, lineIdsOf(existing)); err != nil {
			return nil, err
		}
		newDate := utils.TruncateToDate(input.TradeDate)
		if input.CounterpartyId != doc.CounterpartyId || !newDate.Equal(doc.TradeDate) || doc.CurrentStatus == TradeStatusCancelled {
			if err := guardDuplicate(tx, businessId, input.CounterpartyId, newDate, doc.TradeType, &doc.ID); err != nil {
				return nil, err
			}
		}
	}

	input.applyTo(doc)
	if err := tx.Model(&TradeDocument{}).Where("id = ?", doc.ID).Updates(map[string]interface{}{
		"counterparty_id": doc.CounterpartyId,
		"trade_date":      doc.TradeDate,
		"current_status":  doc.CurrentStatus,
		"warehouse_id":    doc.WarehouseId,
		"amount":          doc.Amount,
		"tax_amount":      doc.TaxAmount,
		"total_amount":    doc.TotalAmount,
		"notes":           doc.Notes,
	}).Error; err != nil {
		return nil, err
	}

	result := &UpdateTradeResult{UnmatchedItems: []UnmatchedItem{}}
	switch doc.TradeType {
	case TradeTypeSale:
		unmatched, err := replaceSaleLines(tx, doc, existing, input.Lines)
		if err != nil {
			return nil, err
		}
		result.UnmatchedItems = unmatched
		result.NeedsRematching = len(unmatched) > 0
	default:
		if err := upsertLinesInPlace(tx, doc, existing, input.Lines); err != nil {
			return nil, err
		}
	}

	snapshot, err := snapshotTrade(tx, doc.ID)
	if err != nil {
		return nil, err
	}
	if err := writeTradeOutbox(ctx, tx, snapshot, TradeOutboxActionUpdate); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return result, nil
}

// upsertLinesInPlace reconciles purchase (and production) lines by id: existing lines
// are updated, unknown ones inserted and missing ones removed. Lots follow their line.
func upsertLinesInPlace(tx *gorm.DB, doc *TradeDocument, existing []TradeLine, incoming []NewTradeLine) error {
	kept := make(map[int]struct{})
	for _, item := range incoming {
		if item.LineId != nil {
			kept[*item.LineId] = struct{}{}
		}
	}
	existingById := make(map[int]*TradeLine, len(existing))
	for i := range existing {
		existingById[existing[i].ID] = &existing[i]
	}

	lots, err := lotsForLines(tx, lineIdsOf(existing))
	if err != nil {
		return err
	}
	allocated, err := allocatedByLot(tx, lotIdsOf(lots))
	if err != nil {
		return err
	}
	byLine := lotsByLine(lots)

	// removals first, so a rejected removal leaves every other line untouched
	var removedLines []int
	var removedLots []Lot
	for _, line := range existing {
		if _, ok := kept[line.ID]; ok {
			continue
		}
		lineLots := byLine[line.ID]
		if matched := sumAllocated(allocated, lineLots); matched.IsPositive() {
			return newTradeError(TradeErrorCannotDeleteMatchedLine, &MatchedLineDetail{
				LineId:          line.ID,
				ProductId:       line.ProductId,
				ProductName:     line.Name,
				MatchedQuantity: matched,
			}, "%s has %s matched to sales and cannot be removed", line.Name, matched.String())
		}
		removedLines = append(removedLines, line.ID)
		removedLots = append(removedLots, lineLots...)
	}
	if err := guardLotsRemovable(tx, lotIdsOf(removedLots)); err != nil {
		return err
	}

	for i, item := range incoming {
		seq := i + 1
		if item.LineId == nil {
			if err := insertLineInPlace(tx, doc, item, seq); err != nil {
				return err
			}
			continue
		}
		current, ok := existingById[*item.LineId]
		if !ok {
			return errTradeNotFound("line", *item.LineId)
		}
		if err := updateLineInPlace(tx, doc, current, byLine[current.ID], allocated, item, seq); err != nil {
			return err
		}
	}

	if err := deleteLots(tx, lotIdsOf(removedLots)); err != nil {
		return err
	}
	if len(removedLines) > 0 {
		if err := tx.Where("id IN ?", removedLines).Delete(&TradeLine{}).Error; err != nil {
			return err
		}
	}
	return nil
}

func insertLineInPlace(tx *gorm.DB, doc *TradeDocument, item NewTradeLine, seq int) error {
	line := TradeLine{
		BusinessId:     doc.BusinessId,
		TradeId:        doc.ID,
		SequenceNo:     seq,
		MatchingStatus: MatchingStatusUnmatched,
	}
	item.applyTo(&line)
	if err := tx.Create(&line).Error; err != nil {
		return err
	}
	if doc.TradeType == TradeTypePurchase && line.Quantity.IsPositive() {
		_, err := createLotForLine(tx, doc, &line)
		return err
	}
	return nil
}

func updateLineInPlace(tx *gorm.DB, doc *TradeDocument, current *TradeLine, lineLots []Lot, allocated map[int]decimal.Decimal, item NewTradeLine, seq int) error {
	updated := *current
	item.applyTo(&updated)
	updated.SequenceNo = seq
	quantityChanged := !updated.Quantity.Equal(current.Quantity)
	productChanged := updated.ProductId != current.ProductId

	if len(lineLots) > 1 {
		// split lots: only price and metadata may change, applied to every fragment
		if quantityChanged || productChanged {
			return newTradeError(TradeErrorSplitLotImmutable, &MatchedLineDetail{
				LineId:            current.ID,
				ProductId:         current.ProductId,
				ProductName:       current.Name,
				MatchedQuantity:   sumAllocated(allocated, lineLots),
				AttemptedQuantity: updated.Quantity,
			}, "%s has been split into %d lots; only price and details can change", current.Name, len(lineLots))
		}
		if err := saveLine(tx, &updated); err != nil {
			return err
		}
		return tx.Model(&Lot{}).Where("id IN ?", lotIdsOf(lineLots)).Update("unit_cost", updated.lineCost()).Error
	}

	matched := sumAllocated(allocated, lineLots)
	if productChanged && matched.IsPositive() {
		return newTradeError(TradeErrorMatchedLineProductLocked, &MatchedLineDetail{
			LineId:          current.ID,
			ProductId:       current.ProductId,
			ProductName:     current.Name,
			MatchedQuantity: matched,
		}, "%s is matched to sales; its product cannot change", current.Name)
	}
	if updated.Quantity.LessThan(matched) {
		return newTradeError(TradeErrorQuantityBelowMatched, &MatchedLineDetail{
			LineId:            current.ID,
			ProductId:         current.ProductId,
			ProductName:       current.Name,
			MatchedQuantity:   matched,
			AttemptedQuantity: updated.Quantity,
		}, "%s: quantity %s is below the %s already matched", current.Name, updated.Quantity.String(), matched.String())
	}
	if err := saveLine(tx, &updated); err != nil {
		return err
	}
	if doc.TradeType != TradeTypePurchase {
		return nil
	}

	if len(lineLots) == 0 {
		if updated.Quantity.IsPositive() {
			_, err := createLotForLine(tx, doc, &updated)
			return err
		}
		return nil
	}

	lot := lineLots[0]
	if !updated.Quantity.IsPositive() {
		// matched is zero here, the lot has nothing to keep
		if err := guardLotsRemovable(tx, []int{lot.ID}); err != nil {
			return err
		}
		return deleteLots(tx, []int{lot.ID})
	}
	remaining := updated.Quantity.Sub(matched)
	return tx.Model(&Lot{}).Where("id = ?", lot.ID).Updates(map[string]interface{}{
		"product_id":         updated.ProductId,
		"original_quantity":  updated.Quantity,
		"remaining_quantity": remaining,
		"unit_cost":          updated.lineCost(),
		"current_status":     lotStatusFor(remaining),
	}).Error
}

func saveLine(tx *gorm.DB, line *TradeLine) error {
	return tx.Model(&TradeLine{}).Where("id = ?", line.ID).Updates(map[string]interface{}{
		"sequence_no":    line.SequenceNo,
		"product_id":     line.ProductId,
		"name":           line.Name,
		"quantity":       line.Quantity,
		"unit_price":     line.UnitPrice,
		"amount":         line.Amount,
		"purchase_price": line.PurchasePrice,
		"origin":         line.Origin,
		"sender":         line.Sender,
		"parent_line_id": line.ParentLineId,
	}).Error
}
