package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"qms/prayerroom-service/internal/models"
)

var ErrInvalidFilter = errors.New("invalid subscription filter")

var knownTables = map[string]bool{
	models.TableClients:  true,
	models.TableMessages: true,
	models.TableConfigs:  true,
}

// Filter selects change events of one table, optionally narrowed to rows
// whose Column equals Value.
type Filter struct {
	Table  string
	Column string
	Value  string
}

// ParseFilter reads a table name and an optional predicate of the form
// column=eq.value.
func ParseFilter(table, predicate string) (Filter, error) {
	table = strings.TrimSpace(table)
	if !knownTables[table] {
		return Filter{}, fmt.Errorf("%w: unknown table %q", ErrInvalidFilter, table)
	}
	filter := Filter{Table: table}
	predicate = strings.TrimSpace(predicate)
	if predicate == "" {
		return filter, nil
	}
	column, rest, ok := strings.Cut(predicate, "=")
	if !ok || column == "" {
		return Filter{}, fmt.Errorf("%w: %q", ErrInvalidFilter, predicate)
	}
	value, ok := strings.CutPrefix(rest, "eq.")
	if !ok {
		return Filter{}, fmt.Errorf("%w: only eq is supported in %q", ErrInvalidFilter, predicate)
	}
	filter.Column = column
	filter.Value = value
	return filter, nil
}

// Matches reports whether event belongs to the filter. A row matches when
// either its new or its old image satisfies the predicate, so subscribers
// also see rows leaving their view.
func (f Filter) Matches(event models.ChangeEvent) bool {
	if f.Table != event.Table {
		return false
	}
	if f.Column == "" {
		return true
	}
	return f.rowMatches(event.New) || f.rowMatches(event.Old)
}

func (f Filter) rowMatches(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var row map[string]interface{}
	if err := decoder.Decode(&row); err != nil {
		return false
	}
	value, ok := row[f.Column]
	if !ok {
		return false
	}
	return stringify(value) == f.Value
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
