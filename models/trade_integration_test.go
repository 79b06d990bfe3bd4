//go:build integration

package models_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/produce_ledger/config"
	"github.com/mmdatafocus/produce_ledger/models"
	"github.com/mmdatafocus/produce_ledger/utils"
	"github.com/mmdatafocus/produce_ledger/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
)

// TestMain starts one MySQL container for the package; every test works in its own business.
func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tcmysql.Run(ctx, "mysql:8.0.36",
		tcmysql.WithDatabase("produce_ledger_test"),
		tcmysql.WithUsername("ledger"),
		tcmysql.WithPassword("testpw"),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start mysql container: %v\n", err)
		os.Exit(1)
	}
	dsn, err := container.ConnectionString(ctx, "parseTime=true", "loc=UTC", "multiStatements=true")
	if err == nil {
		err = config.ConnectDatabase(dsn)
	}
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "connect mysql: %v\n", err)
		os.Exit(1)
	}
	models.MigrateTable()

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

var tradeDay = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr[T any](v T) *T { return &v }

func newBusiness(t *testing.T) context.Context {
	t.Helper()
	ctx := utils.SetBusinessIdInContext(context.Background(), uuid.NewString())
	ctx = utils.SetUsernameInContext(ctx, "test@local")
	return utils.SetCorrelationIdInContext(ctx, uuid.NewString())
}

func businessOf(ctx context.Context) string {
	id, _ := utils.GetBusinessIdFromContext(ctx)
	return id
}

func createPurchase(t *testing.T, ctx context.Context, counterparty int, day time.Time, qty string) (*models.TradeDocument, models.Lot) {
	t.Helper()
	res, err := models.CreateTrade(ctx, &models.NewTrade{
		TradeType:      models.TradeTypePurchase,
		CounterpartyId: counterparty,
		TradeDate:      day,
		Lines: []models.NewTradeLine{
			{ProductId: 10, Name: "Shallots", Quantity: d(qty), UnitPrice: d("10")},
		},
	})
	require.NoError(t, err)
	doc, err := models.GetTrade(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, doc.Lines, 1)
	return doc, lotOfLine(t, ctx, doc.Lines[0].ID)
}

func saleInput(counterparty int, day time.Time, qty string, lotId *int) *models.NewTrade {
	return &models.NewTrade{
		TradeType:      models.TradeTypeSale,
		CounterpartyId: counterparty,
		TradeDate:      day,
		Lines: []models.NewTradeLine{
			{ProductId: 10, Name: "Shallots", Quantity: d(qty), UnitPrice: d("14"), LotId: lotId},
		},
	}
}

func createSale(t *testing.T, ctx context.Context, counterparty int, day time.Time, qty string, lotId int) *models.TradeDocument {
	t.Helper()
	res, err := models.CreateTrade(ctx, saleInput(counterparty, day, qty, &lotId))
	require.NoError(t, err)
	doc, err := models.GetTrade(ctx, res.ID)
	require.NoError(t, err)
	return doc
}

func lotOfLine(t *testing.T, ctx context.Context, lineId int) models.Lot {
	t.Helper()
	var lot models.Lot
	require.NoError(t, config.GetDB().WithContext(ctx).
		Where("trade_line_id = ? AND parent_lot_id IS NULL", lineId).First(&lot).Error)
	return lot
}

func reloadLot(t *testing.T, ctx context.Context, id int) models.Lot {
	t.Helper()
	var lot models.Lot
	require.NoError(t, config.GetDB().WithContext(ctx).Where("id = ?", id).First(&lot).Error)
	return lot
}

func allocationsOfLot(t *testing.T, ctx context.Context, lotId int) []models.Allocation {
	t.Helper()
	var out []models.Allocation
	require.NoError(t, config.GetDB().WithContext(ctx).Where("lot_id = ?", lotId).Order("id").Find(&out).Error)
	return out
}

func requireKind(t *testing.T, err error, kind models.TradeErrorKind) *models.TradeError {
	t.Helper()
	require.Error(t, err)
	te, ok := models.AsTradeError(err)
	require.True(t, ok, "expected %s, got %v", kind, err)
	require.Equal(t, kind, te.Kind, te.Message)
	return te
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]any{"want %s got %s", want, got.String()}, msgAndArgs...)...)
}

func TestPurchaseSaleLifecycle(t *testing.T) {
	ctx := newBusiness(t)
	purchase, lot := createPurchase(t, ctx, 1, tradeDay, "100")

	// A: purchase opens a lot, sale allocates from it
	assertDec(t, "100", lot.OriginalQuantity)
	assertDec(t, "100", lot.RemainingQuantity)
	sale := createSale(t, ctx, 2, tradeDay, "40", lot.ID)
	lot = reloadLot(t, ctx, lot.ID)
	assertDec(t, "60", lot.RemainingQuantity)
	assert.Equal(t, models.LotStatusAvailable, lot.CurrentStatus)
	allocs := allocationsOfLot(t, ctx, lot.ID)
	require.Len(t, allocs, 1)
	assertDec(t, "40", allocs[0].MatchedQuantity)
	assert.Equal(t, sale.Lines[0].ID, allocs[0].TradeLineId)
	assert.Equal(t, models.MatchingStatusMatched, sale.Lines[0].MatchingStatus)

	// B: over-drawing the lot is rejected and nothing persists
	_, err := models.CreateTrade(ctx, saleInput(3, tradeDay, "70", &lot.ID))
	te := requireKind(t, err, models.TradeErrorInsufficientStock)
	shortage, ok := te.Data.(*models.StockShortage)
	require.True(t, ok)
	assertDec(t, "60", shortage.Available)
	assertDec(t, "60", reloadLot(t, ctx, lot.ID).RemainingQuantity)
	var count int64
	require.NoError(t, config.GetDB().WithContext(ctx).Model(&models.TradeDocument{}).
		Where("business_id = ? AND counterparty_id = ?", businessOf(ctx), 3).Count(&count).Error)
	assert.Zero(t, count)

	// D: a return beyond the parent sale line is rejected
	_, err = models.CreateTrade(ctx, &models.NewTrade{
		TradeType:      models.TradeTypeSale,
		CounterpartyId: 2,
		TradeDate:      tradeDay.AddDate(0, 0, 1),
		Lines: []models.NewTradeLine{
			{ProductId: 10, Quantity: d("-50"), ParentLineId: &sale.Lines[0].ID},
		},
	})
	te = requireKind(t, err, models.TradeErrorReturnLimitExceeded)
	detail, ok := te.Data.(*models.ReturnLimitDetail)
	require.True(t, ok)
	assertDec(t, "40", detail.ParentQuantity)
	assertDec(t, "40", detail.RemainingQuantity)

	// E: the matched purchase cannot be deleted
	err = models.DeleteTrade(ctx, purchase.ID)
	te = requireKind(t, err, models.TradeErrorMatchingExists)
	blockers, ok := te.Data.([]models.MatchingBlocker)
	require.True(t, ok)
	require.Len(t, blockers, 1)
	assert.Equal(t, sale.ID, blockers[0].SaleTradeId)
	assertDec(t, "40", blockers[0].MatchedQuantity)

	// C: shrinking the sale line hands the difference back to the lot
	result, err := models.UpdateTrade(ctx, sale.ID, saleInput(2, tradeDay, "25", nil))
	require.NoError(t, err)
	assert.False(t, result.NeedsRematching)
	lot = reloadLot(t, ctx, lot.ID)
	assertDec(t, "75", lot.RemainingQuantity)
	allocs = allocationsOfLot(t, ctx, lot.ID)
	require.Len(t, allocs, 1)
	assertDec(t, "25", allocs[0].MatchedQuantity)

	// deleting the sale frees the lot, then the purchase can go
	require.NoError(t, models.DeleteTrade(ctx, sale.ID))
	lot = reloadLot(t, ctx, lot.ID)
	assertDec(t, "100", lot.RemainingQuantity)
	assert.Empty(t, allocationsOfLot(t, ctx, lot.ID))
	require.NoError(t, models.DeleteTrade(ctx, purchase.ID))
	_, err = models.GetTrade(ctx, purchase.ID)
	requireKind(t, err, models.TradeErrorNotFound)
}

func TestDuplicateDocumentGuard(t *testing.T) {
	ctx := newBusiness(t)
	first, _ := createPurchase(t, ctx, 7, tradeDay, "10")

	// F: same counterparty, date and type
	_, err := models.CreateTrade(ctx, &models.NewTrade{
		TradeType:      models.TradeTypePurchase,
		CounterpartyId: 7,
		TradeDate:      tradeDay.Add(9 * time.Hour),
		Lines:          []models.NewTradeLine{{ProductId: 11, Quantity: d("5")}},
	})
	te := requireKind(t, err, models.TradeErrorDuplicateDocument)
	ref, ok := te.Data.(*models.TradeRef)
	require.True(t, ok)
	assert.Equal(t, first.ID, ref.ID)
	assert.Equal(t, first.TradeNumber, ref.TradeNumber)

	existing, err := models.CheckDuplicate(ctx, 7, tradeDay, models.TradeTypePurchase, nil)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, first.ID, existing.ID)

	existing, err = models.CheckDuplicate(ctx, 7, tradeDay, models.TradeTypePurchase, &first.ID)
	require.NoError(t, err)
	assert.Nil(t, existing)

	// a different type on the same day is not a duplicate
	existing, err = models.CheckDuplicate(ctx, 7, tradeDay, models.TradeTypeSale, nil)
	require.NoError(t, err)
	assert.Nil(t, existing)

	// cancelled documents neither block nor are blocked
	_, err = models.CreateTrade(ctx, &models.NewTrade{
		TradeType:      models.TradeTypePurchase,
		CounterpartyId: 7,
		TradeDate:      tradeDay,
		CurrentStatus:  ptr(models.TradeStatusCancelled),
		Lines:          []models.NewTradeLine{{ProductId: 11, Quantity: d("5")}},
	})
	require.NoError(t, err)
}

func TestTradeNumbersIncrementPerDay(t *testing.T) {
	ctx := newBusiness(t)
	first, _ := createPurchase(t, ctx, 1, tradeDay, "5")
	second, _ := createPurchase(t, ctx, 2, tradeDay, "5")
	nextDay, _ := createPurchase(t, ctx, 1, tradeDay.AddDate(0, 0, 1), "5")

	assert.Equal(t, "PUR-20260314-001", first.TradeNumber)
	assert.Equal(t, "PUR-20260314-002", second.TradeNumber)
	assert.Equal(t, "PUR-20260315-001", nextDay.TradeNumber)

	// numbers are per business
	other := newBusiness(t)
	mine, _ := createPurchase(t, other, 1, tradeDay, "5")
	assert.Equal(t, "PUR-20260314-001", mine.TradeNumber)
}

func TestCreateIsAtomic(t *testing.T) {
	ctx := newBusiness(t)
	_, lot := createPurchase(t, ctx, 1, tradeDay, "50")

	input := saleInput(2, tradeDay, "10", &lot.ID)
	input.Lines = append(input.Lines, models.NewTradeLine{ProductId: 10, Quantity: d("1000"), LotId: &lot.ID})
	_, err := models.CreateTrade(ctx, input)
	requireKind(t, err, models.TradeErrorInsufficientStock)

	assertDec(t, "50", reloadLot(t, ctx, lot.ID).RemainingQuantity)
	assert.Empty(t, allocationsOfLot(t, ctx, lot.ID))
	var outbox int64
	require.NoError(t, config.GetDB().WithContext(ctx).Model(&models.TradeOutboxRecord{}).
		Where("business_id = ? AND trade_type = ?", businessOf(ctx), models.TradeTypeSale).Count(&outbox).Error)
	assert.Zero(t, outbox)
}

func TestReturnCapCountsEarlierReturns(t *testing.T) {
	ctx := newBusiness(t)
	_, lot := createPurchase(t, ctx, 1, tradeDay, "100")
	sale := createSale(t, ctx, 2, tradeDay, "40", lot.ID)
	parent := sale.Lines[0].ID

	returnDoc := func(day time.Time, qty string) (*models.CreateTradeResult, error) {
		return models.CreateTrade(ctx, &models.NewTrade{
			TradeType:      models.TradeTypeSale,
			CounterpartyId: 2,
			TradeDate:      day,
			Lines:          []models.NewTradeLine{{ProductId: 10, Quantity: d(qty), ParentLineId: &parent}},
		})
	}

	first, err := returnDoc(tradeDay.AddDate(0, 0, 1), "-30")
	require.NoError(t, err)

	_, err = returnDoc(tradeDay.AddDate(0, 0, 2), "-15")
	te := requireKind(t, err, models.TradeErrorReturnLimitExceeded)
	detail := te.Data.(*models.ReturnLimitDetail)
	assertDec(t, "30", detail.AlreadyReturned)
	assertDec(t, "10", detail.RemainingQuantity)

	// editing the first return counts it only once
	_, err = models.UpdateTrade(ctx, first.ID, &models.NewTrade{
		TradeType:      models.TradeTypeSale,
		CounterpartyId: 2,
		TradeDate:      tradeDay.AddDate(0, 0, 1),
		Lines:          []models.NewTradeLine{{ProductId: 10, Quantity: d("-40"), ParentLineId: &parent}},
	})
	require.NoError(t, err)

	// returns never touch the lot
	assertDec(t, "60", reloadLot(t, ctx, lot.ID).RemainingQuantity)
}

func TestSaleUpdateReportsShortLines(t *testing.T) {
	ctx := newBusiness(t)
	_, lot := createPurchase(t, ctx, 1, tradeDay, "100")
	sale := createSale(t, ctx, 2, tradeDay, "40", lot.ID)

	result, err := models.UpdateTrade(ctx, sale.ID, saleInput(2, tradeDay, "60", nil))
	require.NoError(t, err)
	assert.True(t, result.NeedsRematching)
	require.Len(t, result.UnmatchedItems, 1)
	item := result.UnmatchedItems[0]
	assert.Equal(t, models.RematchReasonQuantityChanged, item.Reason)
	assertDec(t, "40", item.MatchedQuantity)
	assertDec(t, "60", reloadLot(t, ctx, lot.ID).RemainingQuantity)

	updated, err := models.GetTrade(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchingStatusPartial, updated.Lines[0].MatchingStatus)

	// naming the lot covers the shortfall
	result, err = models.UpdateTrade(ctx, sale.ID, saleInput(2, tradeDay, "60", &lot.ID))
	require.NoError(t, err)
	assert.False(t, result.NeedsRematching)
	assertDec(t, "40", reloadLot(t, ctx, lot.ID).RemainingQuantity)
}

func TestSaleUpdateRollsBackOnShortLot(t *testing.T) {
	ctx := newBusiness(t)
	_, lot := createPurchase(t, ctx, 1, tradeDay, "100")
	_, small := createPurchase(t, ctx, 3, tradeDay, "5")
	sale := createSale(t, ctx, 2, tradeDay, "40", lot.ID)

	// the pool covers 40, the named lot cannot cover the other 20
	_, err := models.UpdateTrade(ctx, sale.ID, saleInput(2, tradeDay, "60", &small.ID))
	requireKind(t, err, models.TradeErrorInsufficientStock)

	assertDec(t, "60", reloadLot(t, ctx, lot.ID).RemainingQuantity)
	assertDec(t, "5", reloadLot(t, ctx, small.ID).RemainingQuantity)
	assert.Empty(t, allocationsOfLot(t, ctx, small.ID))
	allocs := allocationsOfLot(t, ctx, lot.ID)
	require.Len(t, allocs, 1)
	assert.Equal(t, sale.Lines[0].ID, allocs[0].TradeLineId)
	assertDec(t, "40", allocs[0].MatchedQuantity)

	unchanged, err := models.GetTrade(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, unchanged.Lines, 1)
	assert.Equal(t, sale.Lines[0].ID, unchanged.Lines[0].ID)
	assertDec(t, "40", unchanged.Lines[0].Quantity)
	assert.Equal(t, models.MatchingStatusMatched, unchanged.Lines[0].MatchingStatus)
}

func TestSaleUpdateKeepsReturnsAttached(t *testing.T) {
	ctx := newBusiness(t)
	_, lot := createPurchase(t, ctx, 1, tradeDay, "100")
	sale := createSale(t, ctx, 2, tradeDay, "40", lot.ID)
	oldLine := sale.Lines[0].ID

	returnInput := func(day time.Time, qty string, parent int) *models.NewTrade {
		return &models.NewTrade{
			TradeType:      models.TradeTypeSale,
			CounterpartyId: 2,
			TradeDate:      day,
			Lines:          []models.NewTradeLine{{ProductId: 10, Quantity: d(qty), ParentLineId: &parent}},
		}
	}
	ret, err := models.CreateTrade(ctx, returnInput(tradeDay.AddDate(0, 0, 1), "-30", oldLine))
	require.NoError(t, err)

	// reinserting the sale line moves the return onto the new line
	_, err = models.UpdateTrade(ctx, sale.ID, saleInput(2, tradeDay, "40", nil))
	require.NoError(t, err)
	updated, err := models.GetTrade(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, updated.Lines, 1)
	newLine := updated.Lines[0].ID
	assert.NotEqual(t, oldLine, newLine)

	retDoc, err := models.GetTrade(ctx, ret.ID)
	require.NoError(t, err)
	require.NotNil(t, retDoc.Lines[0].ParentLineId)
	assert.Equal(t, newLine, *retDoc.Lines[0].ParentLineId)

	// the earlier return still counts against the new line
	_, err = models.CreateTrade(ctx, returnInput(tradeDay.AddDate(0, 0, 2), "-40", newLine))
	te := requireKind(t, err, models.TradeErrorReturnLimitExceeded)
	assertDec(t, "30", te.Data.(*models.ReturnLimitDetail).AlreadyReturned)

	// and the return document stays editable
	_, err = models.UpdateTrade(ctx, ret.ID, returnInput(tradeDay.AddDate(0, 0, 1), "-35", newLine))
	require.NoError(t, err)

	// the sale line cannot shrink below what was returned
	_, err = models.UpdateTrade(ctx, sale.ID, saleInput(2, tradeDay, "20", nil))
	requireKind(t, err, models.TradeErrorReturnLimitExceeded)

	// nor be dropped while returns point at it
	_, err = models.UpdateTrade(ctx, sale.ID, &models.NewTrade{
		TradeType:      models.TradeTypeSale,
		CounterpartyId: 2,
		TradeDate:      tradeDay,
		Lines:          []models.NewTradeLine{{ProductId: 11, Quantity: d("1"), UnitPrice: d("2")}},
	})
	requireKind(t, err, models.TradeErrorCannotDeleteMatchedLine)

	stillThere, err := models.GetTrade(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, newLine, stillThere.Lines[0].ID)
	assertDec(t, "60", reloadLot(t, ctx, lot.ID).RemainingQuantity)
}

func purchaseUpdate(doc *models.TradeDocument, lines ...models.NewTradeLine) *models.NewTrade {
	return &models.NewTrade{
		TradeType:      models.TradeTypePurchase,
		CounterpartyId: doc.CounterpartyId,
		TradeDate:      doc.TradeDate,
		Lines:          lines,
	}
}

func TestPurchaseUpdateGuards(t *testing.T) {
	ctx := newBusiness(t)
	purchase, lot := createPurchase(t, ctx, 1, tradeDay, "100")
	createSale(t, ctx, 2, tradeDay, "30", lot.ID)
	lineId := purchase.Lines[0].ID

	_, err := models.UpdateTrade(ctx, purchase.ID, purchaseUpdate(purchase,
		models.NewTradeLine{LineId: &lineId, ProductId: 10, Quantity: d("20"), UnitPrice: d("10")}))
	te := requireKind(t, err, models.TradeErrorQuantityBelowMatched)
	assertDec(t, "30", te.Data.(*models.MatchedLineDetail).MatchedQuantity)

	// the rejected update left line, lot and allocation as they were
	unchanged, err := models.GetTrade(ctx, purchase.ID)
	require.NoError(t, err)
	require.Len(t, unchanged.Lines, 1)
	assertDec(t, "100", unchanged.Lines[0].Quantity)
	lot = reloadLot(t, ctx, lot.ID)
	assertDec(t, "100", lot.OriginalQuantity)
	assertDec(t, "70", lot.RemainingQuantity)
	allocs := allocationsOfLot(t, ctx, lot.ID)
	require.Len(t, allocs, 1)
	assertDec(t, "30", allocs[0].MatchedQuantity)

	_, err = models.UpdateTrade(ctx, purchase.ID, purchaseUpdate(purchase,
		models.NewTradeLine{LineId: &lineId, ProductId: 99, Quantity: d("100"), UnitPrice: d("10")}))
	requireKind(t, err, models.TradeErrorMatchedLineProductLocked)

	_, err = models.UpdateTrade(ctx, purchase.ID, purchaseUpdate(purchase,
		models.NewTradeLine{ProductId: 12, Quantity: d("5"), UnitPrice: d("3")}))
	requireKind(t, err, models.TradeErrorCannotDeleteMatchedLine)

	_, err = models.UpdateTrade(ctx, purchase.ID, &models.NewTrade{
		TradeType:      models.TradeTypeSale,
		CounterpartyId: 1,
		TradeDate:      tradeDay,
		Lines:          []models.NewTradeLine{{ProductId: 10, Quantity: d("1")}},
	})
	requireKind(t, err, models.TradeErrorInvalidInput)

	// growing the line keeps the matched part and the lot's identity
	_, err = models.UpdateTrade(ctx, purchase.ID, purchaseUpdate(purchase,
		models.NewTradeLine{LineId: &lineId, ProductId: 10, Quantity: d("50"), UnitPrice: d("11")},
		models.NewTradeLine{ProductId: 12, Quantity: d("8"), UnitPrice: d("3")}))
	require.NoError(t, err)
	lot = reloadLot(t, ctx, lot.ID)
	assertDec(t, "50", lot.OriginalQuantity)
	assertDec(t, "20", lot.RemainingQuantity)
	assertDec(t, "11", lot.UnitCost)

	updated, err := models.GetTrade(ctx, purchase.ID)
	require.NoError(t, err)
	require.Len(t, updated.Lines, 2)
	assertDec(t, "8", lotOfLine(t, ctx, updated.Lines[1].ID).RemainingQuantity)
}

func TestSplitLot(t *testing.T) {
	ctx := newBusiness(t)
	purchase, lot := createPurchase(t, ctx, 1, tradeDay, "100")
	lineId := purchase.Lines[0].ID

	_, err := models.SplitLot(ctx, lot.ID, &models.NewLotSplit{Quantity: d("150")})
	requireKind(t, err, models.TradeErrorInsufficientStock)

	fragment, err := models.SplitLot(ctx, lot.ID, &models.NewLotSplit{Quantity: d("30"), WarehouseId: ptr(2), Notes: "to stall 2"})
	require.NoError(t, err)
	require.NotNil(t, fragment.ParentLotId)
	assert.Equal(t, lot.ID, *fragment.ParentLotId)
	assert.Equal(t, 2, *fragment.WarehouseId)
	assertDec(t, "30", fragment.RemainingQuantity)

	lot = reloadLot(t, ctx, lot.ID)
	assertDec(t, "70", lot.OriginalQuantity)
	assertDec(t, "70", lot.RemainingQuantity)

	var history []models.LotAdjustment
	require.NoError(t, config.GetDB().WithContext(ctx).Where("lot_id IN ?", []int{lot.ID, fragment.ID}).Order("id").Find(&history).Error)
	require.Len(t, history, 2)
	assert.Equal(t, models.LotAdjustmentReasonTransferOut, history[0].Reason)
	assertDec(t, "-30", history[0].Quantity)

	// a split line's quantity is frozen, its price is not
	_, err = models.UpdateTrade(ctx, purchase.ID, purchaseUpdate(purchase,
		models.NewTradeLine{LineId: &lineId, ProductId: 10, Quantity: d("90"), UnitPrice: d("10")}))
	requireKind(t, err, models.TradeErrorSplitLotImmutable)

	_, err = models.UpdateTrade(ctx, purchase.ID, purchaseUpdate(purchase,
		models.NewTradeLine{LineId: &lineId, ProductId: 10, Quantity: d("100"), UnitPrice: d("12")}))
	require.NoError(t, err)
	assertDec(t, "12", reloadLot(t, ctx, fragment.ID).UnitCost)

	// deleting the purchase takes every fragment and the split history with it
	require.NoError(t, models.DeleteTrade(ctx, purchase.ID))
	var left int64
	require.NoError(t, config.GetDB().WithContext(ctx).Model(&models.Lot{}).Where("trade_line_id = ?", lineId).Count(&left).Error)
	assert.Zero(t, left)
}

func TestPurchaseDeleteGuards(t *testing.T) {
	ctx := newBusiness(t)
	db := config.GetDB().WithContext(ctx)
	biz := businessOf(ctx)
	purchase, lot := createPurchase(t, ctx, 1, tradeDay, "20")

	ingredient := models.ProductionIngredient{BusinessId: biz, ProductionTradeId: 999999, LotId: lot.ID, Quantity: d("5")}
	require.NoError(t, db.Create(&ingredient).Error)
	requireKind(t, models.DeleteTrade(ctx, purchase.ID), models.TradeErrorUsedInProduction)
	require.NoError(t, db.Where("id = ?", ingredient.ID).Delete(&models.ProductionIngredient{}).Error)

	audit := models.InventoryAudit{BusinessId: biz, AuditDate: tradeDay, CurrentStatus: models.AuditStatusCompleted}
	require.NoError(t, db.Create(&audit).Error)
	item := models.InventoryAuditItem{BusinessId: biz, AuditId: audit.ID, LotId: lot.ID, CountedQuantity: d("20")}
	require.NoError(t, db.Create(&item).Error)
	requireKind(t, models.DeleteTrade(ctx, purchase.ID), models.TradeErrorAuditLocked)

	// an open audit only loses its count of the lot
	require.NoError(t, db.Model(&models.InventoryAudit{}).Where("id = ?", audit.ID).
		Update("current_status", models.AuditStatusInProgress).Error)
	payment := models.Payment{BusinessId: biz, SourceTradeId: &purchase.ID, CounterpartyId: 1, PaymentDate: tradeDay, Amount: d("200")}
	require.NoError(t, db.Create(&payment).Error)
	require.NoError(t, db.Create(&models.PaymentAllocation{BusinessId: biz, PaymentId: payment.ID, TradeId: purchase.ID, Amount: d("200")}).Error)

	require.NoError(t, models.DeleteTrade(ctx, purchase.ID))

	var n int64
	require.NoError(t, db.Model(&models.InventoryAuditItem{}).Where("id = ?", item.ID).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, db.Model(&models.Payment{}).Where("source_trade_id = ?", purchase.ID).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, db.Model(&models.Lot{}).Where("id = ?", lot.ID).Count(&n).Error)
	assert.Zero(t, n)
}

func TestInvariantScan(t *testing.T) {
	ctx := newBusiness(t)
	biz := businessOf(ctx)
	_, lot := createPurchase(t, ctx, 1, tradeDay, "100")
	createSale(t, ctx, 2, tradeDay, "40", lot.ID)

	lots, returns, err := models.ScanLotInvariantViolations(ctx, config.GetDB(), biz)
	require.NoError(t, err)
	assert.Empty(t, lots)
	assert.Empty(t, returns)

	require.NoError(t, config.GetDB().Exec("UPDATE lots SET remaining_quantity = 61 WHERE id = ?", lot.ID).Error)
	lots, _, err = models.ScanLotInvariantViolations(ctx, config.GetDB(), biz)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, lot.ID, lots[0].LotId)
	assertDec(t, "40", lots[0].MatchedQuantity)
}

func TestTradeOutboxDispatch(t *testing.T) {
	ctx := newBusiness(t)
	biz := businessOf(ctx)
	purchase, _ := createPurchase(t, ctx, 1, tradeDay, "10")

	records, err := models.ListTradeOutbox(ctx, config.GetDB(), models.TradeOutboxFilter{BusinessId: biz})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.TradeOutboxActionCreate, records[0].Action)
	assert.Equal(t, purchase.ID, records[0].TradeId)
	assert.Equal(t, models.OutboxPublishStatusPending, records[0].PublishStatus)

	published := map[int]bool{}
	dispatcher := workflow.NewTradeOutboxDispatcher(config.GetDB(), logrus.New())
	dispatcher.Publish = func(_ context.Context, msg config.TradeEventMessage) (string, error) {
		if msg.BusinessId == biz {
			published[msg.TradeId] = true
		}
		return "msg-1", nil
	}
	for dispatcher.DispatchOnce(context.Background()) > 0 {
	}
	assert.True(t, published[purchase.ID])

	records, err = models.ListTradeOutbox(ctx, config.GetDB(), models.TradeOutboxFilter{BusinessId: biz})
	require.NoError(t, err)
	assert.Equal(t, models.OutboxPublishStatusSent, records[0].PublishStatus)
	require.NotNil(t, records[0].PubSubMessageId)
	assert.Equal(t, "msg-1", *records[0].PubSubMessageId)

	n, err := models.RequeueTradeOutbox(ctx, config.GetDB(), []int{records[0].ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	dispatcher.Publish = func(context.Context, config.TradeEventMessage) (string, error) {
		return "", fmt.Errorf("pubsub unavailable")
	}
	for dispatcher.DispatchOnce(context.Background()) > 0 {
	}
	records, err = models.ListTradeOutbox(ctx, config.GetDB(), models.TradeOutboxFilter{BusinessId: biz})
	require.NoError(t, err)
	assert.Equal(t, models.OutboxPublishStatusFailed, records[0].PublishStatus)
	assert.NotNil(t, records[0].NextAttemptAt)
	assert.Equal(t, 1, records[0].PublishAttempts)
}

func TestAdjustLot(t *testing.T) {
	ctx := newBusiness(t)
	_, lot := createPurchase(t, ctx, 1, tradeDay, "50")
	createSale(t, ctx, 2, tradeDay, "30", lot.ID)

	_, err := models.AdjustLot(ctx, lot.ID, &models.NewLotAdjustment{Delta: d("-25")})
	te := requireKind(t, err, models.TradeErrorInsufficientStock)
	assertDec(t, "20", te.Data.(*models.StockShortage).Available)

	adjusted, err := models.AdjustLot(ctx, lot.ID, &models.NewLotAdjustment{Delta: d("-20"), Notes: "spoiled crates"})
	require.NoError(t, err)
	assertDec(t, "30", adjusted.OriginalQuantity)
	assertDec(t, "0", adjusted.RemainingQuantity)
	assert.Equal(t, models.LotStatusDepleted, adjusted.CurrentStatus)

	adjusted, err = models.AdjustLot(ctx, lot.ID, &models.NewLotAdjustment{Delta: d("2.5")})
	require.NoError(t, err)
	assertDec(t, "2.5", adjusted.RemainingQuantity)
	assert.Equal(t, models.LotStatusAvailable, adjusted.CurrentStatus)

	_, err = models.AdjustLot(ctx, lot.ID, &models.NewLotAdjustment{Delta: decimal.Zero})
	requireKind(t, err, models.TradeErrorInvalidInput)

	lots, _, err := models.ScanLotInvariantViolations(ctx, config.GetDB(), businessOf(ctx))
	require.NoError(t, err)
	assert.Empty(t, lots)
}
