package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"redeemcli/internal/activation"
)

// SheetsStore appends one row per record to a Google Sheets tab. It is
// write-only; history is listed from the primary store.
type SheetsStore struct {
	values    *sheets.SpreadsheetsValuesService
	sheetID   string
	sheetName string
}

// NewSheetsStore authenticates with a service-account credentials file.
func NewSheetsStore(ctx context.Context, sheetID, sheetName, credentialsFile string, opts ...option.ClientOption) (*SheetsStore, error) {
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return &SheetsStore{values: svc.Spreadsheets.Values, sheetID: sheetID, sheetName: sheetName}, nil
}

// Save appends rec as a row.
func (s *SheetsStore) Save(ctx context.Context, rec activation.ActivationRecord) error {
	row := &sheets.ValueRange{Values: [][]interface{}{recordRow(rec)}}
	_, err := s.values.Append(s.sheetID, s.sheetName+"!A1", row).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to append record to sheet: %w", err)
	}
	return nil
}

// recordColumns is the header shared by the sheet and the xlsx export.
var recordColumns = []string{
	"ID", "Run ID", "Timestamp", "Product", "Method", "State",
	"Success", "Keys", "Succeeded", "Test", "Error",
}

func recordRow(rec activation.ActivationRecord) []interface{} {
	return []interface{}{
		rec.ID,
		rec.RunID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.ProductName,
		string(rec.Method),
		string(rec.State),
		strconv.FormatBool(rec.Success),
		rec.KeyCount,
		rec.Succeeded,
		strconv.FormatBool(rec.TestMode),
		rec.ErrorMessage,
	}
}
