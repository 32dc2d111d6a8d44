package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"trade-guard/internal/breaker"
	"trade-guard/internal/state"
)

// Status prints the persisted guard posture without starting the service.
func (a *App) Status(ctx context.Context) error {
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer writer.Flush()

	a.printBreakerStatus(writer)
	a.printStateStatus(writer)
	a.printJournalStatus(ctx, writer)
	return nil
}

func (a *App) printBreakerStatus(writer *tabwriter.Writer) {
	fmt.Fprintln(writer, "== Circuit Breaker ==")
	if a.Config.CircuitBreaker.StateFile == "" {
		fmt.Fprintln(writer, "state file not configured")
		return
	}

	st, ok, err := breaker.NewFileStore(a.Config.CircuitBreaker.StateFile).Load()
	if err != nil {
		fmt.Fprintf(writer, "failed to read state: %v\n", err)
		return
	}
	if !ok {
		fmt.Fprintln(writer, "no persisted state (closed)")
		return
	}

	fmt.Fprintf(writer, "state:\t%s\n", st.Kind())
	fmt.Fprintf(writer, "daily loss:\t%.4f\n", st.DailyLoss)
	fmt.Fprintf(writer, "daily trades:\t%d\n", st.DailyTrades)
	fmt.Fprintf(writer, "consecutive failures:\t%d\n", st.ConsecutiveFailures)
	if st.IsOpen {
		fmt.Fprintf(writer, "open reason:\t%s\n", st.LastOpenReason)
		fmt.Fprintf(writer, "next attempt:\t%s\n", st.NextAttemptTime.UTC().Format(time.RFC3339))
	}
}

func (a *App) printStateStatus(writer *tabwriter.Writer) {
	fmt.Fprintln(writer, "== Persisted State ==")
	if a.Config.State.StateFile == "" {
		fmt.Fprintln(writer, "state file not configured")
		return
	}

	snap, ok, err := state.NewFileStore(a.Config.State.StateFile, a.Config.State.MaxBackups).Load()
	if err != nil {
		fmt.Fprintf(writer, "failed to read state: %v\n", err)
		return
	}
	if !ok {
		fmt.Fprintln(writer, "no persisted state")
		return
	}

	fmt.Fprintf(writer, "saved at:\t%s\n", snap.SavedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(writer, "reload count:\t%d\n", snap.Runtime.ReloadCount)
	fmt.Fprintf(writer, "active operations:\t%d\n", len(snap.ActiveOperations))
	fmt.Fprintf(writer, "total errors:\t%d (consecutive %d)\n", snap.Errors.Total, snap.Errors.Consecutive)
	fmt.Fprintf(writer, "total trades:\t%d\n", snap.Profit.TotalTrades)
	fmt.Fprintf(writer, "profit / loss:\t%.4f / %.4f\n", snap.Profit.TotalProfit, snap.Profit.TotalLoss)

	for _, op := range snap.ActiveOperations {
		if op.Status.Terminal() {
			continue
		}
		fmt.Fprintf(writer, "interrupted op:\t%s %s since %s\n", op.Kind, op.ID, op.StartTime.UTC().Format(time.RFC3339))
	}
	for name, conn := range snap.Runtime.Connections {
		fmt.Fprintf(writer, "connection %s:\talive=%v last_seen=%s\n", name, conn.Alive, conn.LastSeen.UTC().Format(time.RFC3339))
	}
}

func (a *App) printJournalStatus(ctx context.Context, writer *tabwriter.Writer) {
	fmt.Fprintln(writer, "== Trade Journal ==")
	trades, closeJournal, err := a.openJournal(ctx)
	if err != nil {
		fmt.Fprintf(writer, "failed to open journal: %v\n", err)
		return
	}
	if trades == nil {
		fmt.Fprintln(writer, "database not configured")
		return
	}
	defer closeJournal()

	count, err := trades.CountTrades(ctx)
	if err != nil {
		fmt.Fprintf(writer, "failed to count trades: %v\n", err)
		return
	}
	fmt.Fprintf(writer, "journaled trades:\t%d\n", count)
}
