package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/xuri/excelize/v2"

	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/models"
)

// Format selects the export encoding
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates a format string from the API
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", models.Tagf(models.ErrKindConstraintViolation,
			"unsupported export format %q", s)
	}
}

// ContentType returns the MIME type for a format
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

// columns is the flat record layout shared by CSV and XLSX exports
var columns = []string{
	"id", "job_id", "target", "author", "content", "published_at",
	"likes", "replies", "reposts", "link", "hashtags", "category",
	"synced", "created_at",
}

// Service renders stored records into downloadable formats
type Service struct {
	records interfaces.RecordStorage
	logger  arbor.ILogger
}

// NewService creates an export service
func NewService(records interfaces.RecordStorage, logger arbor.ILogger) *Service {
	return &Service{records: records, logger: logger}
}

// Export writes records matching the filter to w in the given format
func (s *Service) Export(ctx context.Context, filter *models.RecordFilter, format Format, w io.Writer) error {
	records, err := s.records.ListRecords(ctx, filter)
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("format", string(format)).
		Int("records", len(records)).
		Msg("Exporting records")

	switch format {
	case FormatJSON:
		return writeJSON(records, w)
	case FormatCSV:
		return writeCSV(records, w)
	case FormatXLSX:
		return writeXLSX(records, w)
	default:
		return models.Tagf(models.ErrKindConstraintViolation,
			"unsupported export format %q", format)
	}
}

func writeJSON(records []*models.Record, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(records)
}

func writeCSV(records []*models.Record, w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(columns); err != nil {
		return err
	}
	for _, r := range records {
		if err := writer.Write(row(r)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeXLSX(records []*models.Record, w io.Writer) error {
	file := excelize.NewFile()
	defer file.Close()

	const sheet = "Records"
	index, err := file.NewSheet(sheet)
	if err != nil {
		return err
	}
	file.SetActiveSheet(index)
	if err := file.DeleteSheet("Sheet1"); err != nil {
		return err
	}

	header := make([]interface{}, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := file.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}

	for i, r := range records {
		values := row(r)
		cells := make([]interface{}, len(values))
		for j, v := range values {
			cells[j] = v
		}
		cell := fmt.Sprintf("A%d", i+2)
		if err := file.SetSheetRow(sheet, cell, &cells); err != nil {
			return err
		}
	}

	return file.Write(w)
}

// row flattens a record into the shared column layout
func row(r *models.Record) []string {
	return []string{
		r.ID,
		r.JobID,
		r.Target.Key(),
		r.Author,
		r.Content,
		r.PublishedAt,
		strconv.FormatUint(uint64(r.Likes), 10),
		strconv.FormatUint(uint64(r.Replies), 10),
		strconv.FormatUint(uint64(r.Reposts), 10),
		r.Link,
		strings.Join(r.Hashtags, " "),
		r.Category,
		strconv.FormatBool(r.Synced),
		r.CreatedAt.Format(time.RFC3339),
	}
}
