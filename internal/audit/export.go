package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/ksp2701/chaintrust/internal/features"
)

// ExportColumns is the CSV header: the training fields in model order,
// followed by the label and provenance columns.
var ExportColumns = append(append([]string{}, features.TrainingFields...),
	"label", "decision_hash", "wallet_address", "created_at", "outcome_updated_at")

// WriteCSV writes rows produced by ExportLabeledRows as CSV with an
// ExportColumns header. Missing cells are empty.
func WriteCSV(w io.Writer, rows []map[string]any) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportColumns); err != nil {
		return err
	}
	record := make([]string, len(ExportColumns))
	for _, row := range rows {
		for i, col := range ExportColumns {
			record[i] = cell(row[col])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSONL writes one JSON object per line.
func WriteJSONL(w io.Writer, rows []map[string]any) error {
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
