package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"trade-guard/internal/journal"
)

// Export renders the trade journal as CSV and/or a cumulative P&L PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	trades, closeJournal, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	if trades == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeJournal != nil {
		defer closeJournal()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := trades.ListTradesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no trades found for export window")
		return nil
	}

	downsampled := downsampleTrades(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting trades")

	if opts.CSVPath != "" {
		if err := writeTradesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePnLPNG(opts.PNGPath, records); err != nil {
			return err
		}
	}

	return nil
}

func downsampleTrades(records []journal.TradeRecord, max int) []journal.TradeRecord {
	if max <= 0 || len(records) <= max {
		return records
	}

	result := make([]journal.TradeRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeTradesCSV(path string, records []journal.TradeRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "operation_id", "venue", "token_id", "side", "amount", "price", "profit_loss", "status", "tx_ref", "attempts", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		pl := ""
		if rec.ProfitLoss != nil {
			pl = rec.ProfitLoss.String()
		}
		txRef := ""
		if rec.TxRef != nil {
			txRef = *rec.TxRef
		}
		errMsg := ""
		if rec.Error != nil {
			errMsg = *rec.Error
		}
		record := []string{
			rec.CreatedAt.Format(time.RFC3339),
			rec.OperationID,
			rec.Venue,
			rec.TokenID,
			rec.Side,
			rec.Amount.String(),
			rec.Price.String(),
			pl,
			rec.Status,
			txRef,
			strconv.Itoa(rec.Attempts),
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// writePnLPNG charts cumulative realized P&L over the full (non-downsampled)
// window so the curve reflects every trade.
func writePnLPNG(path string, records []journal.TradeRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(records))
	cumulative := make([]float64, 0, len(records))
	perTrade := make([]float64, 0, len(records))

	var running float64
	for _, rec := range records {
		if rec.ProfitLoss == nil {
			continue
		}
		pl := rec.ProfitLoss.InexactFloat64()
		running += pl
		x = append(x, rec.CreatedAt)
		cumulative = append(cumulative, running)
		perTrade = append(perTrade, pl)
	}
	if len(x) < 2 {
		return errors.New("not enough realized trades to chart")
	}

	pnlFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Cumulative P&L",
			ValueFormatter: pnlFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Per-trade P&L",
			ValueFormatter: pnlFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Cumulative",
				XValues: x,
				YValues: cumulative,
			},
			chart.TimeSeries{
				Name:    "Per trade",
				XValues: x,
				YValues: perTrade,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
