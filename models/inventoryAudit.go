package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type InventoryAudit struct {
	ID            int         `gorm:"primary_key" json:"id"`
	BusinessId    string      `gorm:"size:64;index;not null" json:"business_id"`
	WarehouseId   *int        `gorm:"default:null" json:"warehouse_id"`
	AuditDate     time.Time   `gorm:"type:date;not null" json:"audit_date"`
	CurrentStatus AuditStatus `gorm:"type:enum('IN_PROGRESS','COMPLETED');default:IN_PROGRESS" json:"current_status"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

type InventoryAuditItem struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"size:64;index;not null" json:"business_id"`
	AuditId         int             `gorm:"index;not null" json:"audit_id"`
	LotId           int             `gorm:"index;not null" json:"lot_id"`
	CountedQuantity decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"counted_quantity"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type AuditRef struct {
	AuditId int `json:"audit_id"`
	LotId   int `json:"lot_id"`
}

func completedAuditsOfLots(tx *gorm.DB, lotIds []int) ([]AuditRef, error) {
	var refs []AuditRef
	err := tx.Table("inventory_audit_items ai").
		Select("ai.audit_id AS audit_id, ai.lot_id AS lot_id").
		Joins("JOIN inventory_audits a ON a.id = ai.audit_id").
		Where("ai.lot_id IN ? AND a.current_status = ?", lotIds, AuditStatusCompleted).
		Order("ai.audit_id, ai.lot_id").
		Scan(&refs).Error
	return refs, err
}

// deleteInProgressAuditItems drops counts of lots that are about to disappear from an open audit.
func deleteInProgressAuditItems(tx *gorm.DB, lotIds []int) error {
	open := tx.Model(&InventoryAudit{}).Select("id").Where("current_status = ?", AuditStatusInProgress)
	return tx.Where("lot_id IN ? AND audit_id IN (?)", lotIds, open).Delete(&InventoryAuditItem{}).Error
}
