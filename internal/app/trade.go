package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"trade-guard/internal/risk"
	"trade-guard/internal/service"
	"trade-guard/internal/venue"
)

// Trade 通过完整守护管线提交一笔一次性交易。
func (a *App) Trade(ctx context.Context, opts TradeOptions) error {
	side := risk.TradeType(strings.ToLower(opts.Side))
	if side != risk.TradeBuy && side != risk.TradeSell {
		return fmt.Errorf("invalid --side %q (want buy or sell)", opts.Side)
	}
	if opts.TokenID == "" {
		return errors.New("--token is required")
	}
	if opts.Amount <= 0 {
		return errors.New("--amount must be greater than zero")
	}

	trades, closeJournal, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	if closeJournal != nil {
		defer closeJournal()
	}

	guards := a.buildGuards(ctx, trades)
	if opts.DryRun {
		a.Logger.Warn().Msg("dry-run: order will be filled locally, not sent to venue")
		guards.engine.UseExecutor(simulatedExecutor{})
	}

	outcome, err := guards.engine.ExecuteTrade(ctx, service.TradeIntent{
		TokenID: opts.TokenID,
		Side:    side,
		Amount:  opts.Amount,
		Price:   opts.Price,
	})
	// Persist what the one-shot run learned (breaker/state counters).
	if saveErr := guards.state.Save(); saveErr != nil {
		a.Logger.Error().Err(saveErr).Msg("failed to save state after trade")
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "executed %s %s amount=%.4f price=%.4f profit=%.4f tx=%s\n",
		side, opts.TokenID, opts.Amount, outcome.Price, outcome.Profit, outcome.TxRef)
	return nil
}

// simulatedExecutor fills orders locally at the requested price.
type simulatedExecutor struct{}

func (simulatedExecutor) ExecuteTrade(_ context.Context, req venue.TradeRequest) (venue.Execution, error) {
	return venue.Execution{TxRef: "simulated", Price: req.Price, Filled: req.Amount}, nil
}

var _ venue.Executor = simulatedExecutor{}
