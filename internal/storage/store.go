package storage

import "fmt"

// Column names a field of the permission record table.
type Column string

const (
	ColumnAppID          Column = "app_id"
	ColumnOpCode         Column = "op_code"
	ColumnStatus         Column = "status"
	ColumnTimestamp      Column = "timestamp"
	ColumnAccessDuration Column = "access_duration"
	ColumnAccessCount    Column = "access_count"
	ColumnRejectCount    Column = "reject_count"
)

var columns = []Column{
	ColumnAppID, ColumnOpCode, ColumnStatus, ColumnTimestamp,
	ColumnAccessDuration, ColumnAccessCount, ColumnRejectCount,
}

func (c Column) valid() bool {
	for _, k := range columns {
		if c == k {
			return true
		}
	}
	return false
}

// Row is the durable form of one usage episode. AppID, OpCode, Status and
// Timestamp form the natural key.
type Row struct {
	AppID          uint32 `msgpack:"app_id"`
	OpCode         int32  `msgpack:"op_code"`
	Status         int32  `msgpack:"status"`
	Timestamp      int64  `msgpack:"timestamp"`
	AccessDuration int64  `msgpack:"access_duration"`
	AccessCount    int32  `msgpack:"access_count"`
	RejectCount    int32  `msgpack:"reject_count"`
}

// Value returns the value of column c.
func (r Row) Value(c Column) int64 {
	switch c {
	case ColumnAppID:
		return int64(r.AppID)
	case ColumnOpCode:
		return int64(r.OpCode)
	case ColumnStatus:
		return int64(r.Status)
	case ColumnTimestamp:
		return r.Timestamp
	case ColumnAccessDuration:
		return r.AccessDuration
	case ColumnAccessCount:
		return int64(r.AccessCount)
	case ColumnRejectCount:
		return int64(r.RejectCount)
	}
	return 0
}

// fold merges incoming into an existing row sharing its natural key.
func fold(existing, incoming Row) Row {
	existing.AccessCount += incoming.AccessCount
	existing.RejectCount += incoming.RejectCount
	if incoming.AccessDuration != 0 {
		existing.AccessDuration = incoming.AccessDuration
	}
	return existing
}

// Op is a comparison operator for a Condition.
type Op int

const (
	OpEq Op = iota
	OpGe
	OpLe
)

func (o Op) sql() string {
	switch o {
	case OpGe:
		return ">="
	case OpLe:
		return "<="
	default:
		return "="
	}
}

// Condition compares one column against a value.
type Condition struct {
	Column Column
	Op     Op
	Value  int64
}

// Eq, Ge and Le build conditions.
func Eq(c Column, v int64) Condition { return Condition{Column: c, Op: OpEq, Value: v} }
func Ge(c Column, v int64) Condition { return Condition{Column: c, Op: OpGe, Value: v} }
func Le(c Column, v int64) Condition { return Condition{Column: c, Op: OpLe, Value: v} }

func (c Condition) match(r Row) bool {
	v := r.Value(c.Column)
	switch c.Op {
	case OpGe:
		return v >= c.Value
	case OpLe:
		return v <= c.Value
	default:
		return v == c.Value
	}
}

// Filter selects rows. Every And condition must hold; when Or is non-empty
// at least one Or condition must hold as well. The zero Filter matches all.
type Filter struct {
	And []Condition
	Or  []Condition
}

// Match reports whether r satisfies f.
func (f Filter) Match(r Row) bool {
	for _, c := range f.And {
		if !c.match(r) {
			return false
		}
	}
	if len(f.Or) == 0 {
		return true
	}
	for _, c := range f.Or {
		if c.match(r) {
			return true
		}
	}
	return false
}

// Validate rejects conditions on unknown columns.
func (f Filter) Validate() error {
	for _, c := range append(append([]Condition(nil), f.And...), f.Or...) {
		if !c.Column.valid() {
			return fmt.Errorf("unknown column %q", c.Column)
		}
	}
	return nil
}

// pinnedAppID returns the app id an equality And condition fixes, if any.
func (f Filter) pinnedAppID() (uint32, bool) {
	for _, c := range f.And {
		if c.Column == ColumnAppID && c.Op == OpEq {
			return uint32(c.Value), true
		}
	}
	return 0, false
}

// Store is the durable permission record table.
type Store interface {
	// Insert writes rows in one all-or-nothing call. A row whose natural
	// key already exists is folded into the stored row.
	Insert(rows []Row) error
	Delete(f Filter) error
	// Select returns matching rows ordered by timestamp.
	Select(f Filter) ([]Row, error)
	Count() (int, error)

	// Retention
	DeleteOlderThan(cutoff int64) (int, error)
	DeleteExcess(keep int) (int, error)

	// AppIDs returns every distinct app id with at least one row.
	AppIDs() ([]uint32, error)

	// Utility
	SizeBytes() (int64, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendBbolt  = "bbolt"
	BackendSQLite = "sqlite"
)

// Open opens the named backend under dataDir.
func Open(backend, dataDir string) (Store, error) {
	switch backend {
	case BackendBbolt, "":
		return NewBboltStore(dataDir)
	case BackendSQLite:
		return NewSQLiteStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
