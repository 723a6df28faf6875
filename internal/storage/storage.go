package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/xaenox/assistant-hub/internal/apperr"
)

// Table describes one logical collection. SortKey is empty for tables keyed
// by partition alone.
type Table struct {
	Name         string
	PartitionKey string
	SortKey      string
}

var (
	UsersTable       = Table{Name: "users", PartitionKey: "email"}
	AssistantsTable  = Table{Name: "assistants", PartitionKey: "id"}
	ThreadsTable     = Table{Name: "threads", PartitionKey: "assistant_id", SortKey: "thread_key"}
	MessagesTable    = Table{Name: "messages", PartitionKey: "thread_id", SortKey: "sequence"}
	VectorFilesTable = Table{Name: "vector_files", PartitionKey: "id"}
)

// Tables lists every collection the repository uses.
var Tables = []Table{UsersTable, AssistantsTable, ThreadsTable, MessagesTable, VectorFilesTable}

// Record is one stored item. Values are strings or bools; timestamps are
// stored as RFC 3339 strings.
type Record map[string]any

// String returns the attribute as a string, or "" when absent.
func (r Record) String(attr string) string {
	switch v := r[attr].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns the attribute as a bool. Stored "true" strings count.
func (r Record) Bool(attr string) bool {
	switch v := r[attr].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

func (r Record) clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Key addresses a single record.
type Key struct {
	Partition string
	Sort      string
}

// KeyCondition selects the records of one partition, optionally limited to
// sort keys starting with SortPrefix.
type KeyCondition struct {
	Partition  string
	SortPrefix string
}

// Condition is an attribute equality test.
type Condition struct {
	Attr  string
	Value any
}

// Filter is an AND of conditions. An empty filter matches everything.
type Filter []Condition

func Eq(attr string, value any) Condition {
	return Condition{Attr: attr, Value: value}
}

// Match reports whether rec satisfies every condition. Values are compared
// by their printed form so bools survive a JSON round trip.
func (f Filter) Match(rec Record) bool {
	for _, c := range f {
		v, ok := rec[c.Attr]
		if !ok || fmt.Sprint(v) != fmt.Sprint(c.Value) {
			return false
		}
	}
	return true
}

// Store is a minimal multi-table key-value backend. Absent records are
// reported as nil results, never as errors. Backend failures are classified
// as apperr.KindStoreUnavailable.
type Store interface {
	Get(ctx context.Context, t Table, key Key) (Record, error)
	// Put is a full-record upsert.
	Put(ctx context.Context, t Table, rec Record) error
	// Query returns one partition ordered by sort key.
	Query(ctx context.Context, t Table, cond KeyCondition) ([]Record, error)
	// Scan walks the whole table. It is meant for small administrative
	// listings only.
	Scan(ctx context.Context, t Table, filter Filter) ([]Record, error)
	Delete(ctx context.Context, t Table, key Key) error
	Close() error
}

// KeyOf extracts the key attributes of rec according to t. A missing key
// attribute is an invalid_request error.
func KeyOf(t Table, rec Record) (Key, error) {
	k := Key{Partition: rec.String(t.PartitionKey)}
	if k.Partition == "" {
		return Key{}, apperr.New(apperr.KindInvalidRequest, "storage.key", "%s: record is missing partition key %q", t.Name, t.PartitionKey)
	}
	if t.SortKey != "" {
		k.Sort = rec.String(t.SortKey)
		if k.Sort == "" {
			return Key{}, apperr.New(apperr.KindInvalidRequest, "storage.key", "%s: record is missing sort key %q", t.Name, t.SortKey)
		}
	}
	return k, nil
}

func unavailable(op string, err error) error {
	return apperr.Wrap(apperr.KindStoreUnavailable, op, err)
}

func sortRecords(t Table, recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		pi, pj := recs[i].String(t.PartitionKey), recs[j].String(t.PartitionKey)
		if pi != pj {
			return pi < pj
		}
		return recs[i].String(t.SortKey) < recs[j].String(t.SortKey)
	})
}
