package models

import (
	"log"

	"github.com/mmdatafocus/produce_ledger/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&TradeDocument{}, &TradeLine{},
		&Lot{}, &LotAdjustment{}, &Allocation{},
		&ProductionIngredient{},
		&InventoryAudit{}, &InventoryAuditItem{},
		&Payment{}, &PaymentAllocation{},
		&TradeOutboxRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
