// Package audit materialises periodic escrow reports for operators.
package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"p2pescrow/native/escrow"
)

// Source lists escrows touched within a trailing window.
type Source interface {
	ListRecent(ctx context.Context, window time.Duration) ([]*escrow.Escrow, error)
}

// Config captures the dependencies required to construct an Exporter.
type Config struct {
	Source    Source
	OutputDir string
	Window    time.Duration
	Interval  time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Exporter writes CSV and Parquet snapshots of recent escrows.
type Exporter struct {
	source    Source
	outputDir string
	window    time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Report references the artefacts produced by one export.
type Report struct {
	CSVPath     string
	ParquetPath string
	Count       int
	Window      time.Duration
	GeneratedAt time.Time
}

// NewExporter builds a configured exporter.
func NewExporter(cfg Config) (*Exporter, error) {
	if cfg.Source == nil {
		return nil, errors.New("audit: source is required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join("escrowd-data", "audit")
	}
	window := cfg.Window
	if window <= 0 {
		window = escrow.DefaultRecentWindow
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		source:    cfg.Source,
		outputDir: outputDir,
		window:    window,
		interval:  interval,
		now:       now,
		logger:    logger,
	}, nil
}

// Run exports on every interval until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Export(ctx, 0); err != nil {
				e.logger.Error("audit export failed", slog.Any("error", err))
			}
		}
	}
}

// Export writes one snapshot. A non-positive window uses the configured one.
func (e *Exporter) Export(ctx context.Context, window time.Duration) (Report, error) {
	if window <= 0 {
		window = e.window
	}
	escrows, err := e.source.ListRecent(ctx, window)
	if err != nil {
		return Report{}, fmt.Errorf("audit: list escrows: %w", err)
	}
	generated := e.now().UTC()
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return Report{}, fmt.Errorf("audit: create output dir: %w", err)
	}
	base := filepath.Join(e.outputDir, "escrows_"+generated.Format("20060102T150405Z"))
	rows := make([]Row, 0, len(escrows))
	for _, esc := range escrows {
		rows = append(rows, NewRow(esc))
	}
	report := Report{
		CSVPath:     base + ".csv",
		ParquetPath: base + ".parquet",
		Count:       len(rows),
		Window:      window,
		GeneratedAt: generated,
	}
	if err := WriteCSV(report.CSVPath, rows); err != nil {
		return Report{}, err
	}
	if err := WriteParquet(report.ParquetPath, rows); err != nil {
		return Report{}, err
	}
	e.logger.Info("audit export written",
		slog.String("path", report.ParquetPath),
		slog.Int("rows", report.Count),
		slog.Duration("window", window))
	return report, nil
}

// Row is the flattened, credential-free form of an escrow.
type Row struct {
	ID             string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Coin           string `parquet:"name=coin, type=BYTE_ARRAY, convertedtype=UTF8"`
	State          string `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	StateCode      int32  `parquet:"name=state_code, type=INT32"`
	Sender         string `parquet:"name=sender, type=BYTE_ARRAY, convertedtype=UTF8"`
	Recipient      string `parquet:"name=recipient, type=BYTE_ARRAY, convertedtype=UTF8"`
	Value          string `parquet:"name=value, type=BYTE_ARRAY, convertedtype=UTF8"`
	RequestedValue string `parquet:"name=requested_value, type=BYTE_ARRAY, convertedtype=UTF8"`
	DepositAddress string `parquet:"name=deposit_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	PayoutTx       string `parquet:"name=payout_tx, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt      string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	LastActivity   string `parquet:"name=last_activity, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// NewRow flattens esc.
func NewRow(esc *escrow.Escrow) Row {
	return Row{
		ID:             esc.ID,
		Coin:           esc.Coin.String(),
		State:          esc.State.String(),
		StateCode:      int32(esc.State),
		Sender:         esc.Sender,
		Recipient:      esc.Recipient,
		Value:          escrow.FormatValue(esc.Value, esc.Coin),
		RequestedValue: escrow.FormatValue(esc.RequestedValue, esc.Coin),
		DepositAddress: esc.DepositAddress,
		PayoutTx:       esc.PayoutTx,
		CreatedAt:      esc.CreatedAt.UTC().Format(time.RFC3339),
		LastActivity:   esc.LastActivity.UTC().Format(time.RFC3339),
	}
}

var csvHeader = []string{
	"id", "coin", "state", "state_code", "sender", "recipient", "value", "requested_value",
	"deposit_address", "payout_tx", "created_at", "last_activity",
}

// WriteCSV writes rows with a header line.
func WriteCSV(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.ID, row.Coin, row.State, strconv.Itoa(int(row.StateCode)),
			row.Sender, row.Recipient, row.Value, row.RequestedValue,
			row.DepositAddress, row.PayoutTx, row.CreatedAt, row.LastActivity,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return file.Close()
}

// WriteParquet writes rows as a SNAPPY compressed parquet file.
func WriteParquet(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(Row), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := range rows {
		if err := pw.Write(&rows[i]); err != nil {
			_ = pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}
