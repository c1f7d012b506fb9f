package deadletter

import (
	"encoding/json"
	"time"

	"github.com/vietddude/resilience/classify"
)

// Item is a terminally failed operation parked for later replay.
type Item struct {
	ID            string                    `json:"id"`
	OperationName string                    `json:"operation_name"`
	Args          []any                     `json:"args"`
	Error         *classify.ClassifiedError `json:"error"`
	Attempts      int                       `json:"attempts"`
	FirstFailure  time.Time                 `json:"first_failure"`
	LastFailure   time.Time                 `json:"last_failure"`
	Context       map[string]any            `json:"context,omitempty"`
}

// Category returns the classified category, unknown when the error is
// somehow missing.
func (it *Item) Category() classify.Category {
	if it.Error == nil {
		return classify.CategoryUnknown
	}
	return it.Error.Category
}

// clone copies the item so store internals never leak to callers.
func (it *Item) clone() *Item {
	out := *it
	if it.Args != nil {
		out.Args = append([]any(nil), it.Args...)
	}
	if it.Context != nil {
		out.Context = make(map[string]any, len(it.Context))
		for k, v := range it.Context {
			out.Context[k] = v
		}
	}
	return &out
}

// itemJSON is the export shape: timestamps as RFC3339 strings.
type itemJSON struct {
	ID            string                    `json:"id"`
	OperationName string                    `json:"operation_name"`
	Args          []any                     `json:"args"`
	Error         *classify.ClassifiedError `json:"error"`
	Attempts      int                       `json:"attempts"`
	FirstFailure  string                    `json:"first_failure"`
	LastFailure   string                    `json:"last_failure"`
	Context       map[string]any            `json:"context,omitempty"`
}

// MarshalJSON writes timestamps in ISO-8601 / RFC3339.
func (it *Item) MarshalJSON() ([]byte, error) {
	return json.Marshal(itemJSON{
		ID:            it.ID,
		OperationName: it.OperationName,
		Args:          it.Args,
		Error:         it.Error,
		Attempts:      it.Attempts,
		FirstFailure:  it.FirstFailure.UTC().Format(time.RFC3339Nano),
		LastFailure:   it.LastFailure.UTC().Format(time.RFC3339Nano),
		Context:       it.Context,
	})
}

// UnmarshalJSON restores timestamps as time values, not strings.
func (it *Item) UnmarshalJSON(data []byte) error {
	var dto itemJSON
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}

	first, err := time.Parse(time.RFC3339Nano, dto.FirstFailure)
	if err != nil {
		return err
	}
	last, err := time.Parse(time.RFC3339Nano, dto.LastFailure)
	if err != nil {
		return err
	}

	*it = Item{
		ID:            dto.ID,
		OperationName: dto.OperationName,
		Args:          dto.Args,
		Error:         dto.Error,
		Attempts:      dto.Attempts,
		FirstFailure:  first,
		LastFailure:   last,
		Context:       dto.Context,
	}
	return nil
}

// Filter selects items in GetAll; zero fields match everything and set
// fields combine with AND.
type Filter struct {
	Category      classify.Category
	OperationName string
	MinAttempts   int
}

func (f Filter) matches(it *Item) bool {
	if f.Category != "" && it.Category() != f.Category {
		return false
	}
	if f.OperationName != "" && it.OperationName != f.OperationName {
		return false
	}
	if f.MinAttempts > 0 && it.Attempts < f.MinAttempts {
		return false
	}
	return true
}

// Stats summarizes the store contents.
type Stats struct {
	Total       int                       `json:"total"`
	ByCategory  map[classify.Category]int `json:"by_category"`
	ByOperation map[string]int            `json:"by_operation"`
	AvgAttempts float64                   `json:"avg_attempts"`
	OldestFirst time.Time                 `json:"oldest_first_failure"`
}

// BatchOptions tunes RetryCategory. Zero fields take the defaults.
type BatchOptions struct {
	MaxConcurrent int           // bound within a batch (default 5)
	DelayBetween  time.Duration // pause between batches (default 1s)
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 5
	}
	if o.DelayBetween <= 0 {
		o.DelayBetween = 1 * time.Second
	}
	return o
}
