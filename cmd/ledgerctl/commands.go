package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/google/subcommands"
	"github.com/sheikh-saqib/finance-ledger/internal/app"
	"github.com/sheikh-saqib/finance-ledger/internal/config"
	"github.com/sheikh-saqib/finance-ledger/internal/models"
	"github.com/sheikh-saqib/finance-ledger/internal/snapshot"
	"github.com/sheikh-saqib/finance-ledger/internal/storage/postgres"
	"github.com/shopspring/decimal"
)

var commands = []subcommands.Command{
	&migrateCmd{},
	&snapshotCmd{},
	&reconcileCmd{},
	&backfillCmd{},
	&purgeCmd{},
}

// base carries what every command needs to reach the database.
type base struct {
	envFile string
}

func (b *base) setFlags(f *flag.FlagSet) {
	f.StringVar(&b.envFile, "env", ".env", "dotenv file to load before reading the environment")
}

func (b *base) config() (config.Config, error) {
	return config.Load(b.envFile)
}

// run builds the ledger and hands it to fn, reporting errors on stderr.
func (b *base) run(ctx context.Context, fn func(ctx context.Context, a *app.App) error) subcommands.ExitStatus {
	cfg, err := b.config()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer logger.Sync()

	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type migrateCmd struct{ base }

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply pending schema migrations" }
func (*migrateCmd) Usage() string {
	return `ledgerctl migrate [-env <file>]

  Applies every pending migration. Does nothing when the schema is current.
`
}

func (c *migrateCmd) SetFlags(f *flag.FlagSet) { c.setFlags(f) }

func (c *migrateCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := c.config()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	store, err := postgres.Open(ctx, app.DatabaseConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer store.Close()

	if err := postgres.Migrate(store.DB()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Println("schema is up to date")
	return subcommands.ExitSuccess
}

type snapshotCmd struct {
	base
	month string
}

func (*snapshotCmd) Name() string     { return "snapshot" }
func (*snapshotCmd) Synopsis() string { return "store month-end balances for every account" }
func (*snapshotCmd) Usage() string {
	return `ledgerctl snapshot [-month YYYY-MM]

  Computes the balance of every account at the end of the month and stores it.
  Running it again for the same month replaces the stored values.
`
}

func (c *snapshotCmd) SetFlags(f *flag.FlagSet) {
	c.setFlags(f)
	f.StringVar(&c.month, "month", "", "month to snapshot (defaults to the previous month)")
}

func (c *snapshotCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	month, err := parseMonth(c.month, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	return c.run(ctx, func(ctx context.Context, a *app.App) error {
		snapshots, err := a.Snapshots.RunMonthlySnapshot(ctx, month)
		if err != nil {
			return err
		}
		return printSnapshots(os.Stdout, snapshots, a.Config.Currency)
	})
}

type reconcileCmd struct{ base }

func (*reconcileCmd) Name() string     { return "reconcile" }
func (*reconcileCmd) Synopsis() string { return "compare cached balances and snapshots with the ledger" }
func (*reconcileCmd) Usage() string {
	return `ledgerctl reconcile

  Re-derives every snapshot and account balance from the ledger entries and
  lists the ones that disagree. Nothing is corrected. Exits 1 on drift.
`
}

func (c *reconcileCmd) SetFlags(f *flag.FlagSet) { c.setFlags(f) }

func (c *reconcileCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var report snapshot.Report
	status := c.run(ctx, func(ctx context.Context, a *app.App) error {
		var err error
		if report, err = a.Snapshots.Reconcile(ctx); err != nil {
			return err
		}
		return printReport(os.Stdout, report, a.Config.Currency)
	})
	if status == subcommands.ExitSuccess && !report.Clean() {
		return subcommands.ExitFailure
	}
	return status
}

type backfillCmd struct {
	base
	owner string
}

func (*backfillCmd) Name() string     { return "backfill" }
func (*backfillCmd) Synopsis() string { return "append missing ledger entries" }
func (*backfillCmd) Usage() string {
	return `ledgerctl backfill [-owner <id>]

  Appends ledger entries for live transactions that have none and refreshes
  the balances of the accounts involved. Safe to run repeatedly.
`
}

func (c *backfillCmd) SetFlags(f *flag.FlagSet) {
	c.setFlags(f)
	f.StringVar(&c.owner, "owner", "", "restrict the backfill to one owner")
}

func (c *backfillCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return c.run(ctx, func(ctx context.Context, a *app.App) error {
		n, err := a.Ledger.BackfillLedger(ctx, c.owner)
		if err != nil {
			return err
		}
		fmt.Printf("appended %d ledger entries\n", n)
		return nil
	})
}

type purgeCmd struct{ base }

func (*purgeCmd) Name() string     { return "purge-idempotency" }
func (*purgeCmd) Synopsis() string { return "delete expired idempotency records" }
func (*purgeCmd) Usage() string {
	return `ledgerctl purge-idempotency

  Deletes idempotency records whose retention window has passed.
`
}

func (c *purgeCmd) SetFlags(f *flag.FlagSet) { c.setFlags(f) }

func (c *purgeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return c.run(ctx, func(ctx context.Context, a *app.App) error {
		n, err := a.Idempotency.PurgeExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d idempotency records\n", n)
		return nil
	})
}

// parseMonth reads YYYY-MM. An empty value means the month before now.
func parseMonth(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return models.MonthStart(now).AddDate(0, -1, 0), nil
	}
	month, err := time.Parse("2006-01", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month %q, want YYYY-MM", raw)
	}
	return month, nil
}

// formatMinor renders an amount in minor units, falling back to the raw
// number for currencies go-money does not know.
func formatMinor(amount decimal.Decimal, currency string) string {
	if money.GetCurrency(currency) == nil {
		return amount.String() + " " + currency
	}
	return money.New(amount.IntPart(), currency).Display()
}

func printSnapshots(w io.Writer, snapshots []models.AccountBalanceSnapshot, currency string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tMONTH\tBALANCE")
	for _, s := range snapshots {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.AccountID, s.Month.Format("2006-01"), formatMinor(s.Balance, currency))
	}
	return tw.Flush()
}

func printReport(w io.Writer, report snapshot.Report, currency string) error {
	fmt.Fprintf(w, "checked %d snapshots and %d accounts in %s\n",
		report.SnapshotsChecked, report.AccountsChecked, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	if report.Clean() {
		fmt.Fprintln(w, "no drift")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tSOURCE\tMONTH\tLEDGER\tSTORED")
	for _, d := range report.Drifts {
		month := "-"
		if d.Month != nil {
			month = d.Month.Format("2006-01")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.AccountID, d.Source, month,
			formatMinor(d.Expected, currency), formatMinor(d.Actual, currency))
	}
	return tw.Flush()
}
