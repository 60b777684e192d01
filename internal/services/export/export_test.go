package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ternarybob/aviary/internal/common"
	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/models"
)

type stubRecords struct {
	records []*models.Record
}

func (s *stubRecords) AppendRecords(ctx context.Context, jobID string, records []*models.Record) (*interfaces.AppendResult, error) {
	return nil, nil
}
func (s *stubRecords) ListUnsynced(ctx context.Context, jobID string, limit int) ([]*models.Record, error) {
	return nil, nil
}
func (s *stubRecords) MarkSynced(ctx context.Context, recordIDs []string) error    { return nil }
func (s *stubRecords) ResetSyncFlag(ctx context.Context, jobID string) (int, error) { return 0, nil }
func (s *stubRecords) ListRecords(ctx context.Context, filter *models.RecordFilter) ([]*models.Record, error) {
	return s.records, nil
}
func (s *stubRecords) CountRecords(ctx context.Context, jobID string) (int, error) {
	return len(s.records), nil
}
func (s *stubRecords) SetCategory(ctx context.Context, recordID, category string) error { return nil }

func sampleRecords() []*models.Record {
	r1 := models.NewRecord("job_1", models.Target{Account: "alice"})
	r1.Author = "alice"
	r1.Content = "first post"
	r1.Likes = 10
	r1.Link = "https://x.com/alice/status/1"
	r1.Hashtags = []string{"#go"}

	r2 := models.NewRecord("job_1", models.Target{Keyword: "golang"})
	r2.Author = "bob"
	r2.Content = "second post, with a comma"
	r2.Category = "tech"
	return []*models.Record{r1, r2}
}

func TestParseFormat(t *testing.T) {
	for _, valid := range []string{"json", "CSV", "xlsx"} {
		_, err := ParseFormat(valid)
		assert.NoError(t, err, valid)
	}
	_, err := ParseFormat("pdf")
	require.Error(t, err)
	assert.Equal(t, models.ErrKindConstraintViolation, models.KindOf(err))
}

func TestExportJSON(t *testing.T) {
	service := NewService(&stubRecords{records: sampleRecords()}, common.GetLogger())

	var buf bytes.Buffer
	require.NoError(t, service.Export(context.Background(), nil, FormatJSON, &buf))

	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "alice", decoded[0]["author"])
	assert.Equal(t, "tech", decoded[1]["category"])
}

func TestExportCSV(t *testing.T) {
	service := NewService(&stubRecords{records: sampleRecords()}, common.GetLogger())

	var buf bytes.Buffer
	require.NoError(t, service.Export(context.Background(), nil, FormatCSV, &buf))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3) // Header plus two records
	assert.Equal(t, columns, rows[0])
	assert.Equal(t, "alice", rows[1][3])
	assert.Equal(t, "second post, with a comma", rows[2][4])
}

func TestExportXLSX(t *testing.T) {
	service := NewService(&stubRecords{records: sampleRecords()}, common.GetLogger())

	var buf bytes.Buffer
	require.NoError(t, service.Export(context.Background(), nil, FormatXLSX, &buf))

	file, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer file.Close()

	rows, err := file.GetRows("Records")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "author", rows[0][3])
	assert.Equal(t, "alice", rows[1][3])
}

func TestExportEmptySet(t *testing.T) {
	service := NewService(&stubRecords{}, common.GetLogger())

	var buf bytes.Buffer
	require.NoError(t, service.Export(context.Background(), nil, FormatCSV, &buf))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 1) // Header only
}
