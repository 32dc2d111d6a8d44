package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"trade-guard/internal/journal"
)

// Show prints recent journaled trades or breaker events.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	trades, closeJournal, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	if trades == nil {
		return errors.New("database not configured; cannot show journal")
	}
	if closeJournal != nil {
		defer closeJournal()
	}

	if opts.Events {
		return a.showBreakerEvents(ctx, trades, opts.Limit)
	}
	return a.showTrades(ctx, trades, opts.Limit)
}

func (a *App) showTrades(ctx context.Context, trades *journal.Store, limit int) error {
	records, err := trades.ListRecentTrades(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no trades found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tVenue\tToken\tSide\tAmount\tPrice\tP&L\tStatus\tAttempts\tError")

	for _, rec := range records {
		pl := ""
		if rec.ProfitLoss != nil {
			pl = formatDecimal(*rec.ProfitLoss, 4)
		}
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.Venue,
			rec.TokenID,
			rec.Side,
			formatDecimal(rec.Amount, 4),
			formatDecimal(rec.Price, 4),
			pl,
			rec.Status,
			rec.Attempts,
			errMsg,
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showBreakerEvents(ctx context.Context, trades *journal.Store, limit int) error {
	events, err := trades.ListRecentBreakerEvents(ctx, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stdout, "no breaker events found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tFrom\tTo\tDaily Loss\tReason")

	for _, event := range events {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			event.At.UTC().Format(time.RFC3339),
			event.FromState,
			event.ToState,
			formatDecimal(event.DailyLoss, 4),
			sanitizeInline(event.Reason),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
