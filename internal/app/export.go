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

	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/storage"
)

// Export renders mined receipts as CSV and/or a PNG fee chart. The window
// defaults to the last 24 hours.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errNoDatabase
	}
	defer closeStore()

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

	receipts, err := store.ListReceiptsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(receipts) == 0 {
		a.Logger.Info().Msg("no receipts found for export window")
		return nil
	}

	downsampled := downsampleReceipts(receipts, opts.MaxPoints)
	a.Logger.Info().Int("total", len(receipts)).Int("exported", len(downsampled)).Msg("exporting receipts")

	if opts.CSVPath != "" {
		if err := writeReceiptsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeReceiptsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleReceipts(receipts []storage.Receipt, max int) []storage.Receipt {
	if max <= 0 || len(receipts) <= max {
		return receipts
	}

	result := make([]storage.Receipt, 0, max)
	step := float64(len(receipts)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(receipts) {
			idx = len(receipts) - 1
		}
		result = append(result, receipts[idx])
	}
	return result
}

func writeReceiptsCSV(path string, receipts []storage.Receipt) error {
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

	header := []string{"mined_at", "intent_id", "tx_hash", "block_number", "gas_used", "effective_gas_price_wei", "success"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, receipt := range receipts {
		record := []string{
			receipt.MinedAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(receipt.IntentID, 10),
			receipt.TxHash,
			strconv.FormatInt(receipt.BlockNumber, 10),
			strconv.FormatInt(receipt.GasUsed, 10),
			receipt.EffectiveGasPrice.String(),
			strconv.FormatBool(receipt.Success),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeReceiptsPNG(path string, receipts []storage.Receipt) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(receipts))
	feeGwei := make([]float64, len(receipts))
	gasUsed := make([]float64, len(receipts))

	for i, receipt := range receipts {
		x[i] = receipt.MinedAt
		feeGwei[i] = receipt.EffectiveGasPrice.Shift(-9).InexactFloat64()
		gasUsed[i] = float64(receipt.GasUsed)
	}

	feeFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Effective fee (gwei)",
			ValueFormatter: feeFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Gas used",
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Effective fee",
				XValues: x,
				YValues: feeGwei,
			},
			chart.TimeSeries{
				Name:    "Gas used",
				XValues: x,
				YValues: gasUsed,
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
