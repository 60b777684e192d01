package uploader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/aviary/internal/models"
)

// Destination field type discriminants used by the tabular service
const (
	fieldTypeText     = 1
	fieldTypeNumber   = 2
	fieldTypeDatetime = 5
)

// secondsEpochCeiling separates second-resolution epochs from millisecond
// ones: any numeric timestamp below 10^10 is treated as seconds.
const secondsEpochCeiling = 1e10

// schema maps destination column names to their type discriminant
type schema map[string]int

// newSchema indexes a field listing by column name
func newSchema(fields []FieldInfo) schema {
	s := make(schema, len(fields))
	for _, f := range fields {
		s[f.FieldName] = f.Type
	}
	return s
}

// columnValues flattens a record into the canonical column set offered to
// the destination table. Columns absent from the table schema are dropped.
func columnValues(r *models.Record) map[string]interface{} {
	return map[string]interface{}{
		"author":       r.Author,
		"content":      r.Content,
		"published_at": r.PublishedAt,
		"likes":        r.Likes,
		"replies":      r.Replies,
		"reposts":      r.Reposts,
		"link":         r.Link,
		"hashtags":     strings.Join(r.Hashtags, ", "),
		"media":        strings.Join(r.Media, ", "),
		"category":     r.Category,
		"target":       r.Target.Key(),
		"created_at":   r.CreatedAt.UnixMilli(),
	}
}

// marshalRow converts a record into destination field values, coercing each
// value to the column's declared type. Returns the row plus the names of
// columns dropped because the table has no matching field.
func marshalRow(r *models.Record, s schema) (map[string]interface{}, []string) {
	row := make(map[string]interface{})
	var dropped []string
	for column, value := range columnValues(r) {
		fieldType, ok := s[column]
		if !ok {
			dropped = append(dropped, column)
			continue
		}
		coerced, ok := coerce(value, fieldType)
		if !ok {
			// Unparseable datetimes are omitted, not sent as zeroes
			continue
		}
		row[column] = coerced
	}
	return row, dropped
}

// coerce converts a value to the destination field type. The second return
// is false when the value should be omitted from the row.
func coerce(value interface{}, fieldType int) (interface{}, bool) {
	switch fieldType {
	case fieldTypeNumber:
		return coerceNumber(value)
	case fieldTypeDatetime:
		return coerceDatetime(value)
	case fieldTypeText:
		return coerceText(value)
	default:
		// Unknown field types get a string rendering
		return coerceText(value)
	}
}

// coerceText renders any value as a string. A null source arrives here as
// the empty string and is sent as-is.
func coerceText(value interface{}) (interface{}, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	default:
		return fmt.Sprint(v), true
	}
}

// coerceNumber truncates to an integer; anything non-numeric becomes 0
func coerceNumber(value interface{}) (interface{}, bool) {
	switch v := value.(type) {
	case uint32:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return int64(0), true
		}
		return int64(n), true
	default:
		return int64(0), true
	}
}

// coerceDatetime produces a millisecond epoch. Numeric inputs below the
// seconds ceiling are scaled up; string inputs are parsed as RFC 3339.
func coerceDatetime(value interface{}) (interface{}, bool) {
	switch v := value.(type) {
	case int64:
		return scaleEpoch(float64(v))
	case float64:
		return scaleEpoch(v)
	case string:
		if v == "" {
			return nil, false
		}
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts.UnixMilli(), true
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return scaleEpoch(n)
		}
		return nil, false
	default:
		return nil, false
	}
}

func scaleEpoch(n float64) (interface{}, bool) {
	if n <= 0 {
		return nil, false
	}
	if n < secondsEpochCeiling {
		n *= 1000
	}
	return int64(n), true
}
