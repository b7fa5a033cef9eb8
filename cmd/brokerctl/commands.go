package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"

	"github.com/estocks/settlement-engine/internal/app"
	"github.com/estocks/settlement-engine/internal/config"
	"github.com/estocks/settlement-engine/internal/display"
	"github.com/estocks/settlement-engine/internal/model"
	"github.com/estocks/settlement-engine/internal/settlement"
	"github.com/estocks/settlement-engine/internal/store"
)

var commands = []subcommands.Command{
	&migrateCmd{},
	&expireCmd{},
	&depositCmd{},
	&holdingsCmd{},
	&quoteCmd{},
	&fundAddCmd{},
}

// env is what every command needs: configuration, the wired app and an engine.
type env struct {
	cfg    *config.Config
	app    *app.App
	engine *settlement.Engine
	out    io.Writer
}

func openEnv(ctx context.Context, migrate bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	a, err := app.Open(ctx, cfg, logger, migrate)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, app: a, engine: a.Engine(logger, nil), out: os.Stdout}, nil
}

func fail(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// --- migrate ---

type migrateCmd struct{}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply the PostgreSQL schema" }
func (*migrateCmd) Usage() string {
	return `migrate

  Applies the embedded schema to DATABASE_URL. Safe to run repeatedly.
`
}

func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (*migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if os.Getenv("DATABASE_URL") == "" {
		fmt.Fprintln(os.Stderr, "Error: DATABASE_URL is required.")
		return subcommands.ExitUsageError
	}
	e, err := openEnv(ctx, true)
	if err != nil {
		return fail("%v", err)
	}
	defer e.app.Close()
	fmt.Fprintln(e.out, "schema applied")
	return subcommands.ExitSuccess
}

// --- expire ---

type expireCmd struct {
	at string
}

func (*expireCmd) Name() string     { return "expire" }
func (*expireCmd) Synopsis() string { return "settle every futures position past its expiry" }
func (*expireCmd) Usage() string {
	return `expire [-at <RFC3339 time>]

  Runs one expiry pass. Each expired position is closed at its stock's latest
  known price. Running it again settles nothing twice.
`
}

func (c *expireCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.at, "at", "", "Settle as of this time instead of now (RFC3339)")
}

func (c *expireCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	at := time.Now().UTC()
	if c.at != "" {
		t, err := time.Parse(time.RFC3339, c.at)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid -at %q: %v\n", c.at, err)
			return subcommands.ExitUsageError
		}
		at = t
	}
	e, err := openEnv(ctx, false)
	if err != nil {
		return fail("%v", err)
	}
	defer e.app.Close()

	settled, err := e.engine.AutoExpire(ctx, at)
	w := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POSITION\tUSER\tSYMBOL\tSIDE\tEXIT\tSETTLED\tSHORTFALL")
	for _, r := range settled {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%d\n",
			r.PositionID, r.Wallet.UserID, r.Symbol, r.Side, r.ExitPrice,
			display.Signed(r.Applied, e.cfg.Currency), r.Shortfall)
	}
	w.Flush()
	fmt.Fprintf(e.out, "%d position(s) settled\n", len(settled))
	if err != nil {
		return fail("some positions could not be settled: %v", err)
	}
	return subcommands.ExitSuccess
}

// --- deposit ---

type depositCmd struct {
	user   string
	amount int64
}

func (*depositCmd) Name() string     { return "deposit" }
func (*depositCmd) Synopsis() string { return "credit cash to a user's wallet" }
func (*depositCmd) Usage() string {
	return `deposit -user <id> -amount <whole units>
`
}

func (c *depositCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "User ID (required)")
	f.Int64Var(&c.amount, "amount", 0, "Amount in whole currency units (required)")
}

func (c *depositCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user == "" || c.amount <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -user and a positive -amount are required.")
		return subcommands.ExitUsageError
	}
	e, err := openEnv(ctx, false)
	if err != nil {
		return fail("%v", err)
	}
	defer e.app.Close()

	w, err := e.engine.Deposit(ctx, c.user, c.amount)
	if err != nil {
		return fail("%v", err)
	}
	fmt.Fprintf(e.out, "%s balance %s\n", w.UserID, display.Amount(w.Balance, e.cfg.Currency))
	return subcommands.ExitSuccess
}

// --- holdings ---

type holdingsCmd struct {
	user string
}

func (*holdingsCmd) Name() string     { return "holdings" }
func (*holdingsCmd) Synopsis() string { return "show a user's cash, holdings and open futures" }
func (*holdingsCmd) Usage() string {
	return `holdings -user <id>
`
}

func (c *holdingsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "User ID (required)")
}

func (c *holdingsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user == "" {
		fmt.Fprintln(os.Stderr, "Error: -user is required.")
		return subcommands.ExitUsageError
	}
	e, err := openEnv(ctx, false)
	if err != nil {
		return fail("%v", err)
	}
	defer e.app.Close()

	p, err := e.engine.Portfolio(ctx, c.user)
	if err != nil {
		return fail("%v", err)
	}
	printPortfolio(e.out, p, e.cfg.Currency)
	return subcommands.ExitSuccess
}

func printPortfolio(out io.Writer, p *model.Portfolio, currency string) {
	fmt.Fprintf(out, "Cash: %s\n\n", display.Amount(p.Balance, currency))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tQTY\tPRICE\tVALUE")
	for _, h := range p.Holdings {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", h.Symbol, h.Quantity, h.Price, display.Amount(h.Value, currency))
	}
	fmt.Fprintf(w, "\t\t\t%s\n", display.Amount(p.SpotValue, currency))
	w.Flush()

	if len(p.Positions) > 0 {
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "POSITION\tSYMBOL\tSIDE\tQTY\tENTRY\tLAST\tEXPIRY")
		for _, v := range p.Positions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				v.Position.ID, v.Symbol, v.Contract.ContractType, v.Position.Quantity,
				v.Position.EntryPrice, v.Price, v.Contract.ExpiryDate.Format(time.DateOnly))
		}
		w.Flush()
		fmt.Fprintf(out, "Margin locked: %s  Unrealized P&L: %s\n",
			display.Amount(p.MarginLocked, currency), display.Signed(p.UnrealizedPnL, currency))
	}
}

// --- quote ---

type quoteCmd struct {
	symbol string
	period string
}

func (*quoteCmd) Name() string     { return "quote" }
func (*quoteCmd) Synopsis() string { return "fetch a quote, or a price history with -period" }
func (*quoteCmd) Usage() string {
	return `quote -symbol <symbol> [-period 1d|5d|1mo|3mo|6mo|1y]
`
}

func (c *quoteCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.symbol, "symbol", "", "Stock symbol, e.g. OGDC (required)")
	f.StringVar(&c.period, "period", "", "Print daily history over this period instead of a quote")
}

func (c *quoteCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.symbol == "" {
		fmt.Fprintln(os.Stderr, "Error: -symbol is required.")
		return subcommands.ExitUsageError
	}
	e, err := openEnv(ctx, false)
	if err != nil {
		return fail("%v", err)
	}
	defer e.app.Close()

	if c.period != "" {
		bars, err := e.engine.History(ctx, c.symbol, c.period)
		if err != nil {
			return fail("%v", err)
		}
		w := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DATE\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME")
		for _, b := range bars {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", b.Date.Format(time.DateOnly),
				b.Open.StringFixed(2), b.High.StringFixed(2), b.Low.StringFixed(2), b.Close.StringFixed(2), b.Volume)
		}
		w.Flush()
		return subcommands.ExitSuccess
	}

	q, err := e.engine.Quote(ctx, c.symbol)
	if err != nil {
		return fail("%v", err)
	}
	source := "live"
	if q.Fallback {
		source = "synthetic"
	}
	fmt.Fprintf(e.out, "%s  %s\n", q.Symbol, q.CompanyName)
	fmt.Fprintf(e.out, "  price  %s %s (%s, %s%%)  [%s]\n", q.Price.StringFixed(2), q.Currency,
		q.Change.StringFixed(2), q.ChangePercent.StringFixed(2), source)
	fmt.Fprintf(e.out, "  open %s  high %s  low %s  volume %d\n",
		q.Open.StringFixed(2), q.High.StringFixed(2), q.Low.StringFixed(2), q.Volume)
	return subcommands.ExitSuccess
}

// --- fund-add ---

type fundAddCmd struct {
	name         string
	typ          string
	nav          int64
	consolidator string
}

func (*fundAddCmd) Name() string     { return "fund-add" }
func (*fundAddCmd) Synopsis() string { return "add a fund to the catalogue" }
func (*fundAddCmd) Usage() string {
	return `fund-add -name <name> -nav <whole units> [-type <type> -consolidator <name>]
`
}

func (c *fundAddCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.name, "name", "", "Fund name (required)")
	f.StringVar(&c.typ, "type", "", "Fund type, e.g. Equity or Income")
	f.Int64Var(&c.nav, "nav", 0, "Net asset value per unit in whole currency units (required)")
	f.StringVar(&c.consolidator, "consolidator", "", "Managing company")
}

func (c *fundAddCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.name == "" || c.nav <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -name and a positive -nav are required.")
		return subcommands.ExitUsageError
	}
	e, err := openEnv(ctx, false)
	if err != nil {
		return fail("%v", err)
	}
	defer e.app.Close()

	fund, err := e.engine.AddFund(ctx, model.Fund{Name: c.name, Type: c.typ, NAV: c.nav, Consolidator: c.consolidator})
	if errors.Is(err, store.ErrConflict) {
		return fail("a fund with this ID already exists")
	}
	if err != nil {
		return fail("%v", err)
	}
	fmt.Fprintf(e.out, "%s\t%s\tNAV %s\n", fund.ID, fund.Name, display.Amount(fund.NAV, e.cfg.Currency))
	return subcommands.ExitSuccess
}
