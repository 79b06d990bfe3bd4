package models

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LotInvariantViolation is a lot whose quantities disagree with its allocations.
type LotInvariantViolation struct {
	LotId             int             `db:"lot_id" json:"lot_id"`
	BusinessId        string          `db:"business_id" json:"business_id"`
	TradeLineId       int             `db:"trade_line_id" json:"trade_line_id"`
	OriginalQuantity  decimal.Decimal `db:"original_quantity" json:"original_quantity"`
	RemainingQuantity decimal.Decimal `db:"remaining_quantity" json:"remaining_quantity"`
	MatchedQuantity   decimal.Decimal `db:"matched_quantity" json:"matched_quantity"`
}

// ReturnCapViolation is a parent line whose returns exceed its quantity.
type ReturnCapViolation struct {
	ParentLineId     int             `db:"parent_line_id" json:"parent_line_id"`
	BusinessId       string          `db:"business_id" json:"business_id"`
	ParentQuantity   decimal.Decimal `db:"parent_quantity" json:"parent_quantity"`
	ReturnedQuantity decimal.Decimal `db:"returned_quantity" json:"returned_quantity"`
}

const lotInvariantQuery = `
SELECT l.id AS lot_id, l.business_id, l.trade_line_id, l.original_quantity, l.remaining_quantity,
	COALESCE(SUM(a.matched_quantity), 0) AS matched_quantity
FROM lots l
LEFT JOIN allocations a ON a.lot_id = l.id
WHERE (? = '' OR l.business_id = ?)
GROUP BY l.id, l.business_id, l.trade_line_id, l.original_quantity, l.remaining_quantity
HAVING l.remaining_quantity < 0
	OR l.remaining_quantity > l.original_quantity
	OR l.original_quantity - l.remaining_quantity <> COALESCE(SUM(a.matched_quantity), 0)
ORDER BY l.id`

const returnCapQuery = `
SELECT p.id AS parent_line_id, p.business_id, ABS(p.quantity) AS parent_quantity,
	SUM(ABS(r.quantity)) AS returned_quantity
FROM trade_lines r
JOIN trade_documents d ON d.id = r.trade_id AND d.current_status <> 'CANCELLED'
JOIN trade_lines p ON p.id = r.parent_line_id
WHERE r.quantity < 0 AND (? = '' OR p.business_id = ?)
GROUP BY p.id, p.business_id, p.quantity
HAVING SUM(ABS(r.quantity)) > ABS(p.quantity)
ORDER BY p.id`

// ScanLotInvariantViolations reports lots breaking the stock identities and parent lines
// breaking the return cap. An empty businessId scans every business.
func ScanLotInvariantViolations(ctx context.Context, db *gorm.DB, businessId string) ([]LotInvariantViolation, []ReturnCapViolation, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	xdb := sqlx.NewDb(sqlDB, "mysql")

	lots := []LotInvariantViolation{}
	if err := xdb.SelectContext(ctx, &lots, lotInvariantQuery, businessId, businessId); err != nil {
		return nil, nil, err
	}
	returns := []ReturnCapViolation{}
	if err := xdb.SelectContext(ctx, &returns, returnCapQuery, businessId, businessId); err != nil {
		return nil, nil, err
	}
	return lots, returns, nil
}
