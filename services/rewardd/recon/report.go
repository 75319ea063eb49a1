package recon

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"help2earn/services/rewardd/chain"
	"help2earn/services/rewardd/models"
)

// ReportRow describes one reward record left unresolved by a sweep.
type ReportRow struct {
	RecordID     uuid.UUID
	FacilityID   uuid.UUID
	Contributor  string
	Kind         string
	Status       string
	Amount       int64
	LocationHash string
	Attempts     int
	Outcome      string
	Detail       string
	CreatedAt    time.Time
}

func newReportRow(record models.RewardRecord, outcome chain.Outcome, detail string) ReportRow {
	return ReportRow{
		RecordID:     record.ID,
		FacilityID:   record.FacilityID,
		Contributor:  record.Contributor,
		Kind:         string(record.Kind),
		Status:       string(record.Status),
		Amount:       record.Amount,
		LocationHash: record.LocationHash,
		Attempts:     record.Attempts,
		Outcome:      string(outcome),
		Detail:       detail,
		CreatedAt:    record.CreatedAt.UTC(),
	}
}

func writeReport(dir string, rows []ReportRow) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("recon: create report dir: %w", err)
	}
	csvPath := filepath.Join(dir, "unresolved.csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(dir, "unresolved.parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return csvPath, "", err
	}
	return csvPath, parquetPath, nil
}

var reportHeader = []string{
	"record_id", "facility_id", "contributor", "kind", "status", "amount",
	"location_hash", "attempts", "outcome", "detail", "created_at",
}

func writeCSV(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(reportHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.RecordID.String(),
			row.FacilityID.String(),
			row.Contributor,
			row.Kind,
			row.Status,
			strconv.FormatInt(row.Amount, 10),
			row.LocationHash,
			strconv.Itoa(row.Attempts),
			row.Outcome,
			row.Detail,
			row.CreatedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	RecordID     string `parquet:"name=record_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	FacilityID   string `parquet:"name=facility_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Contributor  string `parquet:"name=contributor, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Kind         string `parquet:"name=kind, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Status       string `parquet:"name=status, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Amount       int64  `parquet:"name=amount, type=INT64"`
	LocationHash string `parquet:"name=location_hash, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Attempts     int32  `parquet:"name=attempts, type=INT32"`
	Outcome      string `parquet:"name=outcome, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Detail       string `parquet:"name=detail, type=UTF8, encoding=PLAIN_DICTIONARY"`
	CreatedAt    string `parquet:"name=created_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

func writeParquet(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			RecordID:     row.RecordID.String(),
			FacilityID:   row.FacilityID.String(),
			Contributor:  row.Contributor,
			Kind:         row.Kind,
			Status:       row.Status,
			Amount:       row.Amount,
			LocationHash: row.LocationHash,
			Attempts:     int32(row.Attempts),
			Outcome:      row.Outcome,
			Detail:       row.Detail,
			CreatedAt:    row.CreatedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
