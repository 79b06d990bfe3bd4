package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Payment is recorded by the settlement workflow. A payment with SourceTradeId was
// generated from that trade and goes away with it.
type Payment struct {
	ID             int             `gorm:"primary_key" json:"id"`
	BusinessId     string          `gorm:"size:64;index;not null" json:"business_id"`
	SourceTradeId  *int            `gorm:"index;default:null" json:"source_trade_id"`
	CounterpartyId int             `gorm:"index;not null" json:"counterparty_id"`
	PaymentDate    time.Time       `gorm:"type:date;not null" json:"payment_date"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type PaymentAllocation struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"size:64;index;not null" json:"business_id"`
	PaymentId  int             `gorm:"index;not null" json:"payment_id"`
	TradeId    int             `gorm:"index;not null" json:"trade_id"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// deletePaymentsSourcedFrom removes payments generated from a trade, their allocations first.
func deletePaymentsSourcedFrom(tx *gorm.DB, tradeId int) error {
	var paymentIds []int
	if err := tx.Model(&Payment{}).Where("source_trade_id = ?", tradeId).Pluck("id", &paymentIds).Error; err != nil {
		return err
	}
	if len(paymentIds) == 0 {
		return nil
	}
	if err := tx.Where("payment_id IN ?", paymentIds).Delete(&PaymentAllocation{}).Error; err != nil {
		return err
	}
	return tx.Where("id IN ?", paymentIds).Delete(&Payment{}).Error
}
