package crawler

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// ErrNotFound is returned by stores when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Result is the terminal classification of a task execution.
type Result string

// Task results reported by handlers.
const (
	ResultDone  Result = "done"
	ResultError Result = "error"
	ResultEmpty Result = "empty"
	ResultDebug Result = "debug"
)

// Output is what a handler returns for one task.
type Output struct {
	Result Result         `json:"result"`
	Data   map[string]any `json:"data"`
}

// TaskInput is the payload of a published crawl event. Extra keys are
// flattened next to url and task_id on the wire.
type TaskInput struct {
	URL    string
	TaskID string
	Extra  Record
}

// MarshalJSON flattens Extra into the top-level object.
func (in TaskInput) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(in.Extra)+2)
	for k, v := range in.Extra {
		out[k] = v
	}
	out[FieldURL] = in.URL
	out[FieldTaskID] = in.TaskID
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal task input: %w", err)
	}
	return data, nil
}

// UnmarshalJSON reverses MarshalJSON.
func (in *TaskInput) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal task input: %w", err)
	}
	var decoded TaskInput
	for k, msg := range raw {
		switch k {
		case FieldURL:
			if err := json.Unmarshal(msg, &decoded.URL); err != nil {
				return fmt.Errorf("unmarshal url: %w", err)
			}
		case FieldTaskID:
			if err := json.Unmarshal(msg, &decoded.TaskID); err != nil {
				return fmt.Errorf("unmarshal task_id: %w", err)
			}
		default:
			var v Value
			if err := json.Unmarshal(msg, &v); err != nil {
				return fmt.Errorf("unmarshal extra %q: %w", k, err)
			}
			if decoded.Extra == nil {
				decoded.Extra = Record{}
			}
			decoded.Extra[k] = v
		}
	}
	*in = decoded
	return nil
}

// Metadata is attached to every published event and used as the filter for
// admission lookups.
type Metadata struct {
	Customer string `json:"customer"`
	Site     string `json:"site"`
	URL      string `json:"url"`
	Hash     string `json:"hash"`
	TaskID   string `json:"task_id"`
}

// Attributes renders the metadata as string attributes.
func (m Metadata) Attributes() map[string]string {
	return map[string]string{
		"customer": m.Customer,
		"site":     m.Site,
		"url":      m.URL,
		"hash":     m.Hash,
		"task_id":  m.TaskID,
	}
}

// MetadataFromAttributes reverses Attributes.
func MetadataFromAttributes(attrs map[string]string) Metadata {
	return Metadata{
		Customer: attrs["customer"],
		Site:     attrs["site"],
		URL:      attrs["url"],
		Hash:     attrs["hash"],
		TaskID:   attrs["task_id"],
	}
}

// Event is one crawl task as it travels through the queue.
type Event struct {
	ID          string    `json:"id"`
	Name        string    `json:"event"`
	Payload     TaskInput `json:"payload"`
	Metadata    Metadata  `json:"metadata"`
	PublishedAt time.Time `json:"published_at"`
}

// RunStatus is the queue-side lifecycle of a published event.
type RunStatus string

// Run statuses recorded in the run history.
const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is the history entry for one published event.
type Run struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	Hash      string    `json:"hash"`
	TaskID    string    `json:"task_id"`
	Site      string    `json:"site"`
	URL       string    `json:"url"`
	Status    RunStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunFromEvent builds the queued history entry for an event.
func RunFromEvent(ev Event) Run {
	return Run{
		ID:        ev.ID,
		Event:     ev.Name,
		Hash:      ev.Metadata.Hash,
		TaskID:    ev.Metadata.TaskID,
		Site:      ev.Metadata.Site,
		URL:       ev.Metadata.URL,
		Status:    RunQueued,
		CreatedAt: ev.PublishedAt,
		UpdatedAt: ev.PublishedAt,
	}
}

// RunFilter selects runs from the history.
type RunFilter struct {
	Hash     string
	Statuses []RunStatus
	Since    time.Time
	Limit    int
}

// Match reports whether run satisfies the filter, ignoring Limit.
func (f RunFilter) Match(run Run) bool {
	if f.Hash != "" && run.Hash != f.Hash {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, run.Status) {
		return false
	}
	return f.Since.IsZero() || !run.CreatedAt.Before(f.Since)
}

// CatalogItem is a normalized item ready for persistence.
type CatalogItem struct {
	URL    string
	Site   string
	Fields Record
	Roles  map[Role][]PersonRef
}

// MetricSnapshot is one append-only metrics row.
type MetricSnapshot struct {
	BookURL    string
	Fields     Record
	CapturedAt time.Time
}

// FlattenData renders nested dictionaries in a handler's output data as
// [{key, value}] lists, the shape the run dashboard expects.
func FlattenData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for field, val := range data {
		switch m := val.(type) {
		case map[string]any:
			out[field] = keyValues(m)
		case map[string]int:
			generic := make(map[string]any, len(m))
			for k, v := range m {
				generic[k] = v
			}
			out[field] = keyValues(generic)
		case Record:
			out[field] = keyValues(m.Native())
		default:
			out[field] = val
		}
	}
	return out
}

// KeyValue is one flattened dictionary entry.
type KeyValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func keyValues(m map[string]any) []KeyValue {
	keys := slices.Sorted(maps.Keys(m))
	out := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyValue{Key: k, Value: m[k]})
	}
	return out
}
