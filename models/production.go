package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ProductionIngredient is written by the production workflow when a PRODUCTION document
// consumes stock from a lot. The ledger only reads it to protect consumed lots.
type ProductionIngredient struct {
	ID                int             `gorm:"primary_key" json:"id"`
	BusinessId        string          `gorm:"size:64;index;not null" json:"business_id"`
	ProductionTradeId int             `gorm:"index;not null" json:"production_trade_id"`
	LotId             int             `gorm:"index;not null" json:"lot_id"`
	Quantity          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type ProductionUse struct {
	LotId             int             `json:"lot_id"`
	ProductionTradeId int             `json:"production_trade_id"`
	TradeNumber       string          `json:"trade_number"`
	Quantity          decimal.Decimal `json:"quantity"`
}

func productionUsesOfLots(tx *gorm.DB, lotIds []int) ([]ProductionUse, error) {
	var uses []ProductionUse
	err := tx.Table("production_ingredients pi").
		Select("pi.lot_id AS lot_id, pi.production_trade_id AS production_trade_id, d.trade_number AS trade_number, pi.quantity AS quantity").
		Joins("LEFT JOIN trade_documents d ON d.id = pi.production_trade_id").
		Where("pi.lot_id IN ?", lotIds).
		Order("pi.id").
		Scan(&uses).Error
	return uses, err
}

// deleteProductionIngredients drops the consumption records owned by a production document.
func deleteProductionIngredients(tx *gorm.DB, productionTradeId int) error {
	return tx.Where("production_trade_id = ?", productionTradeId).Delete(&ProductionIngredient{}).Error
}
