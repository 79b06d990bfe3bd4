package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	"github.com/mmdatafocus/produce_ledger/config"
	"github.com/mmdatafocus/produce_ledger/models"
	"github.com/mmdatafocus/produce_ledger/utils"
	"gorm.io/gorm"
)

type Globals struct {
	BusinessID string `name:"business-id" help:"Only touch rows of this business."`
	DSN        string `name:"dsn" env:"LEDGER_DSN" help:"MySQL DSN. Defaults to the DB_* environment."`
}

type ListCmd struct {
	Status []string `help:"Publish statuses to list." default:"FAILED,DEAD"`
	Limit  int      `help:"Maximum rows." default:"100"`
}

func (cmd *ListCmd) Run(globals *Globals) error {
	db, ctx, err := connect(globals)
	if err != nil {
		return err
	}
	statuses := make([]models.OutboxPublishStatus, 0, len(cmd.Status))
	for _, s := range cmd.Status {
		statuses = append(statuses, models.OutboxPublishStatus(strings.ToUpper(strings.TrimSpace(s))))
	}
	records, err := models.ListTradeOutbox(ctx, db, models.TradeOutboxFilter{
		BusinessId: globals.BusinessID,
		Statuses:   statuses,
		Limit:      cmd.Limit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBUSINESS\tTRADE\tACTION\tSTATUS\tATTEMPTS\tLAST ERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%d\t%s\n",
			r.ID, r.BusinessId, r.TradeId, r.Action, r.PublishStatus, r.PublishAttempts, utils.DereferencePtr(r.LastPublishError))
	}
	return w.Flush()
}

type RequeueCmd struct {
	Ids    []int    `arg:"" optional:"" help:"Outbox record ids to requeue."`
	Status []string `help:"Requeue every row in these statuses instead of explicit ids."`
}

func (cmd *RequeueCmd) Run(globals *Globals) error {
	db, ctx, err := connect(globals)
	if err != nil {
		return err
	}
	ids := cmd.Ids
	if len(ids) == 0 {
		if len(cmd.Status) == 0 {
			return fmt.Errorf("pass record ids or --status")
		}
		statuses := make([]models.OutboxPublishStatus, 0, len(cmd.Status))
		for _, s := range cmd.Status {
			statuses = append(statuses, models.OutboxPublishStatus(strings.ToUpper(strings.TrimSpace(s))))
		}
		records, err := models.ListTradeOutbox(ctx, db, models.TradeOutboxFilter{
			BusinessId: globals.BusinessID,
			Statuses:   statuses,
		})
		if err != nil {
			return err
		}
		for _, r := range records {
			ids = append(ids, r.ID)
		}
	}
	n, err := models.RequeueTradeOutbox(ctx, db, ids)
	if err != nil {
		return err
	}
	fmt.Printf("requeued %d of %d rows\n", n, len(ids))
	return nil
}

var cli struct {
	Globals

	List    ListCmd    `cmd:"" help:"List trade outbox rows."`
	Requeue RequeueCmd `cmd:"" help:"Put trade outbox rows back to PENDING."`
}

func connect(globals *Globals) (*gorm.DB, context.Context, error) {
	dsn := strings.TrimSpace(globals.DSN)
	if dsn == "" {
		dsn = config.DatabaseDSN()
	}
	if err := config.ConnectDatabase(dsn); err != nil {
		return nil, nil, err
	}
	ctx := context.Background()
	if globals.BusinessID != "" {
		ctx = utils.SetBusinessIdInContext(ctx, globals.BusinessID)
	} else {
		ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	}
	return config.GetDB(), ctx, nil
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("trade-outbox-replay"),
		kong.Description("Inspect and requeue trade outbox rows."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
