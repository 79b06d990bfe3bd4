package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/mmdatafocus/produce_ledger/config"
	"github.com/mmdatafocus/produce_ledger/models"
	"github.com/sirupsen/logrus"
)

var cli struct {
	BusinessID string `name:"business-id" help:"Restrict the scan to one business. Empty scans all."`
	DSN        string `name:"dsn" env:"LEDGER_DSN" help:"MySQL DSN. Defaults to the DB_* environment."`
	Quiet      bool   `help:"Print nothing when the scan is clean."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("lot-invariant-check"),
		kong.Description("Reports lots whose quantities disagree with their allocations and parent lines whose returns exceed the cap."),
	)

	dsn := strings.TrimSpace(cli.DSN)
	if dsn == "" {
		dsn = config.DatabaseDSN()
	}
	ctx.FatalIfErrorf(config.ConnectDatabase(dsn))

	lots, returns, err := models.ScanLotInvariantViolations(context.Background(), config.GetDB(), strings.TrimSpace(cli.BusinessID))
	ctx.FatalIfErrorf(err)

	clean := len(lots) == 0 && len(returns) == 0
	config.GetLogger().WithFields(logrus.Fields{
		"field":               "lot-invariant-check",
		"business_id":         cli.BusinessID,
		"lot_violations":      len(lots),
		"return_cap_breaches": len(returns),
	}).Info("scan finished")

	if !clean || !cli.Quiet {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		ctx.FatalIfErrorf(enc.Encode(map[string]any{
			"lot_violations":      lots,
			"return_cap_breaches": returns,
		}))
	}
	if !clean {
		fmt.Fprintln(os.Stderr, "invariant violations found")
		os.Exit(2)
	}
}
