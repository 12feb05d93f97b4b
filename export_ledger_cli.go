package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// ExportOptions selects the ledger actions to export. Without Epoch only the
// current epoch is exported unless AllEpochs is set.
type ExportOptions struct {
	LedgerID  string
	Epoch     *uint64
	AllEpochs bool
	OutputDir string
}

// LedgerExporter writes ledger actions as CSV, one row per leaf.
type LedgerExporter struct {
	db *gorm.DB
}

func NewLedgerExporter(db *gorm.DB) *LedgerExporter {
	return &LedgerExporter{db: db}
}

var exportHeader = []string{"Epoch", "Position", "Type", "State", "Args", "Parity", "X", "LeafHash", "CreatedAt"}

// ExportToCSV writes the selected actions of the ledger to writer.
func (e *LedgerExporter) ExportToCSV(writer io.Writer, options ExportOptions) error {
	ledger, err := getLedgerByID(e.db, options.LedgerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("ledger %s not found", options.LedgerID)
		}
		return fmt.Errorf("failed to get ledger: %w", err)
	}

	epoch := options.Epoch
	if epoch == nil && !options.AllEpochs {
		epoch = &ledger.Epoch
	}
	rows, err := getLedgerActions(e.db, ledger.ID, epoch)
	if err != nil {
		return fmt.Errorf("failed to get ledger actions: %w", err)
	}

	csvWriter := csv.NewWriter(writer)
	defer csvWriter.Flush()

	if err := csvWriter.Write(exportHeader); err != nil {
		return fmt.Errorf("failed to write header to CSV: %w", err)
	}

	for _, row := range rows {
		action, err := row.ToAction(*ledger)
		if err != nil {
			return err
		}
		for _, leaf := range action.Leaves() {
			hash, err := leaf.Hash()
			if err != nil {
				return fmt.Errorf("failed to hash leaf of action %d: %w", row.ID, err)
			}
			record := []string{
				strconv.FormatUint(row.Epoch, 10),
				strconv.Itoa(row.Position),
				action.Type.String(),
				strconv.FormatUint(action.State, 10),
				hexutil.Encode(action.Args),
				strconv.Itoa(int(leaf.Parity)),
				leaf.X.Hex(),
				hash.Hex(),
				row.CreatedAt.String(),
			}
			if err := csvWriter.Write(record); err != nil {
				return fmt.Errorf("failed to write row to CSV: %w", err)
			}
		}
	}
	return csvWriter.Error()
}

// ExportToFile exports the ledger to <OutputDir>/ledger_<id>.csv.
func (e *LedgerExporter) ExportToFile(options ExportOptions) (string, error) {
	if err := os.MkdirAll(options.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", options.OutputDir, err)
	}

	fileName := filepath.Join(options.OutputDir, fmt.Sprintf("ledger_%s.csv", options.LedgerID))
	file, err := os.Create(fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create CSV file %s: %w", fileName, err)
	}
	defer file.Close()

	if err := e.ExportToCSV(file, options); err != nil {
		return "", fmt.Errorf("failed to export to CSV: %w", err)
	}

	return fileName, nil
}

func newExportLedgerCmd(logger Logger) *cobra.Command {
	var (
		outputDir string
		epoch     int64
		allEpochs bool
	)

	cmd := &cobra.Command{
		Use:   "export-ledger <ledgerID>",
		Short: "Export the actions of a ledger to CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logger.NewSystem("export-ledger")

			config, err := LoadConfig(logger)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			db, err := ConnectToDB(config.dbConf, logger)
			if err != nil {
				return fmt.Errorf("failed to setup database: %w", err)
			}

			options := ExportOptions{LedgerID: args[0], AllEpochs: allEpochs, OutputDir: outputDir}
			if epoch >= 0 {
				e := uint64(epoch)
				options.Epoch = &e
			}

			fileName, err := NewLedgerExporter(db).ExportToFile(options)
			if err != nil {
				return err
			}
			logger.Info("Successfully exported ledger", "file", fileName)
			return nil
		},
	}

	cmd.Flags().StringVar(&outputDir, "out", "csv_export", "output directory")
	cmd.Flags().Int64Var(&epoch, "epoch", -1, "export a single epoch instead of the current one")
	cmd.Flags().BoolVar(&allEpochs, "all", false, "export every epoch")
	return cmd
}
