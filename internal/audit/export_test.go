package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksp2701/chaintrust/internal/features"
)

func labeledRows(t *testing.T) []map[string]any {
	t.Helper()
	svc, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.Persist(ctx, entry(hashA)))
	_, err := svc.UpdateOutcome(ctx, hashA, "REPAID")
	require.NoError(t, err)

	rows, err := svc.ExportLabeledRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, labeledRows(t)))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ExportColumns, records[0])

	row := make(map[string]string, len(ExportColumns))
	for i, col := range records[0] {
		row[col] = records[1][i]
	}
	assert.Equal(t, "400", row[features.KeyWalletAgeDays])
	assert.Equal(t, "1.6", row[features.KeyCollateralRatio])
	assert.Equal(t, "1", row["label"])
	assert.Equal(t, hashA, row["decision_hash"])
	assert.NotEmpty(t, row["outcome_updated_at"])
}

func TestWriteCSV_EmptyHasHeaderOnly(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))

	assert.Equal(t, strings.Join(ExportColumns, ",")+"\n", buf.String())
}

func TestWriteJSONL(t *testing.T) {
	rows := labeledRows(t)
	rows = append(rows, map[string]any{"label": 0})

	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, rows))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, float64(1), first["label"])
	assert.Equal(t, hashA, first["decision_hash"])
}

func TestCell(t *testing.T) {
	assert.Equal(t, "", cell(nil))
	assert.Equal(t, "0.25", cell(0.25))
	assert.Equal(t, "1000000000000000000000", cell(1e21))
	assert.Equal(t, "7", cell(int64(7)))
	assert.Equal(t, "true", cell(true))
	assert.Equal(t, "[a b]", cell([]any{"a", "b"}))
}
