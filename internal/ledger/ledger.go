// Package ledger buffers permission usage records in memory, merges
// same-key records that arrive close together, and writes aged or
// overflowing runs of the buffer to the durable store in batches.
//
// Lock order: persistMu, then bufMu, then queueMu.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/developingchet/privacy-record/internal/metrics"
	"github.com/developingchet/privacy-record/internal/permission"
	"github.com/developingchet/privacy-record/internal/storage"
)

// Repository is the durable side of the ledger.
type Repository interface {
	Add(rows []storage.Row) bool
	Remove(appID uint32) bool
	Find(f storage.Filter) ([]storage.Row, bool)
	AppIDs() ([]uint32, bool)
}

// Config holds the ledger thresholds.
type Config struct {
	// MergeTolerance is the window within which same-key records fold together.
	MergeTolerance time.Duration
	// FlushAge is the age at which a buffered record is cut out for persistence.
	FlushAge time.Duration
	// PersistInterval is the deadline between whole-buffer flushes.
	PersistInterval time.Duration
	// MaxBufferSize forces a whole-buffer flush once exceeded.
	MaxBufferSize int
	// TickInterval drives Run. Defaults to one minute.
	TickInterval time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MergeTolerance:  500 * time.Millisecond,
		FlushAge:        10 * time.Minute,
		PersistInterval: 15 * time.Minute,
		MaxBufferSize:   100,
		TickInterval:    time.Minute,
	}
}

type node struct {
	rec  permission.Record
	prev *node
	next *node
}

// Stats is a point-in-time view of the ledger.
type Stats struct {
	Buffered       int
	PendingBatches int
	Persisting     bool
}

// Ledger is the write-back usage record cache.
type Ledger struct {
	cfg   Config
	repo  Repository
	clock quartz.Clock
	log   zerolog.Logger

	// persistMu serialises batch writes against RemoveRecords.
	persistMu sync.Mutex

	bufMu       sync.RWMutex
	head        *node // sentinel
	tail        *node
	size        int
	nextPersist time.Time

	queueMu    sync.RWMutex
	pending    []*node // sentinels of detached batches, oldest first
	persisting bool
	drained    chan struct{}
}

// New returns a Ledger writing through repo. Zero config fields take
// their DefaultConfig values.
func New(cfg Config, repo Repository, clock quartz.Clock, log zerolog.Logger) *Ledger {
	def := DefaultConfig()
	if cfg.MergeTolerance <= 0 {
		cfg.MergeTolerance = def.MergeTolerance
	}
	if cfg.FlushAge <= 0 {
		cfg.FlushAge = def.FlushAge
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = def.PersistInterval
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = def.MaxBufferSize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	head := &node{}
	drained := make(chan struct{})
	close(drained)
	return &Ledger{
		cfg:         cfg,
		repo:        repo,
		clock:       clock,
		log:         log.With().Str("component", "ledger").Logger(),
		head:        head,
		tail:        head,
		nextPersist: clock.Now().Add(cfg.PersistInterval),
		drained:     drained,
	}
}

// ---- Buffer list -----------------------------------------------------------

// unlink removes n from the live buffer. Caller holds bufMu.
func (l *Ledger) unlink(n *node) {
	n.prev.next = n.next
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	l.size--
}

// appendTail adds rec after the current tail. Caller holds bufMu.
func (l *Ledger) appendTail(rec permission.Record) {
	n := &node{rec: rec, prev: l.tail}
	l.tail.next = n
	l.tail = n
	l.size++
}

// detachThrough cuts the run from the first real node up to and including
// cut, installs a fresh sentinel over the remainder, and returns the old
// sentinel heading the detached run. Caller holds bufMu.
func (l *Ledger) detachThrough(cut *node) *node {
	if cut == l.head {
		return nil
	}
	n := 0
	for p := l.head.next; p != nil; p = p.next {
		n++
		if p == cut {
			break
		}
	}
	batch := l.head
	fresh := &node{next: cut.next}
	if cut.next != nil {
		cut.next.prev = fresh
	} else {
		l.tail = fresh
	}
	cut.next = nil
	l.head = fresh
	l.size -= n
	return batch
}

// staleCut returns the newest buffered node old enough to be flushed, or
// nil. Caller holds bufMu.
func (l *Ledger) staleCut(nowMs int64) *node {
	age := l.cfg.FlushAge.Milliseconds()
	for p := l.tail; p != l.head; p = p.prev {
		if nowMs-p.rec.Timestamp >= age {
			return p
		}
	}
	return nil
}

// enqueue appends a detached batch. Caller holds bufMu.
func (l *Ledger) enqueue(batch *node) {
	if batch == nil || batch.next == nil {
		return
	}
	l.queueMu.Lock()
	l.pending = append(l.pending, batch)
	metrics.PendingBatches.Set(float64(len(l.pending)))
	l.queueMu.Unlock()
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// ---- Ingest ----------------------------------------------------------------

// AddRecord buffers rec, folding in any same-key record buffered within the
// merge tolerance. Records carrying no access or reject count are dropped.
func (l *Ledger) AddRecord(rec permission.Record) {
	if rec.Empty() {
		l.log.Warn().Uint32("app_id", rec.AppID).Int32("op_code", rec.OpCode).
			Msg("dropping record with zero counts")
		return
	}
	now := l.clock.Now()
	nowMs := now.UnixMilli()
	tolerance := l.cfg.MergeTolerance.Milliseconds()
	age := l.cfg.FlushAge.Milliseconds()

	l.bufMu.Lock()
	var cut *node
	merged := 0
	for p := l.tail; p != l.head; {
		prev := p.prev
		if nowMs-p.rec.Timestamp >= age {
			cut = p
			break
		}
		if p.rec.SameKey(rec) && abs(rec.Timestamp-p.rec.Timestamp) < tolerance {
			rec.AccessCount += p.rec.AccessCount
			rec.RejectCount += p.rec.RejectCount
			if rec.AccessDuration == 0 {
				rec.AccessDuration = p.rec.AccessDuration
			}
			l.unlink(p)
			merged++
		}
		p = prev
	}
	l.appendTail(rec)

	queued := false
	if cut != nil {
		l.enqueue(l.detachThrough(cut))
		queued = true
	}
	if !now.Before(l.nextPersist) || l.size > l.cfg.MaxBufferSize {
		l.enqueue(l.detachThrough(l.tail))
		l.nextPersist = now.Add(l.cfg.PersistInterval)
		queued = true
	}
	metrics.BufferSize.Set(float64(l.size))
	l.bufMu.Unlock()

	metrics.RecordsAdded.WithLabelValues(rec.Status.String()).Inc()
	if merged > 0 {
		metrics.RecordsMerged.Add(float64(merged))
	}
	if queued {
		l.triggerPersist()
	}
}

// ---- Persistence -----------------------------------------------------------

// triggerPersist starts the flush worker unless one is already running.
func (l *Ledger) triggerPersist() {
	l.queueMu.Lock()
	if l.persisting || len(l.pending) == 0 {
		l.queueMu.Unlock()
		return
	}
	l.persisting = true
	l.drained = make(chan struct{})
	l.queueMu.Unlock()
	go l.persistPending()
}

// persistPending writes queued batches oldest first. A batch stays in the
// queue, and so stays visible to queries, until its write returns. A failed
// write drops the batch.
func (l *Ledger) persistPending() {
	for {
		l.persistMu.Lock()
		l.queueMu.Lock()
		if len(l.pending) == 0 {
			l.persisting = false
			close(l.drained)
			l.queueMu.Unlock()
			l.persistMu.Unlock()
			return
		}
		batch := l.pending[0]
		l.queueMu.Unlock()

		var rows []storage.Row
		for p := batch.next; p != nil; p = p.next {
			rows = append(rows, toRow(p.rec))
		}
		start := time.Now()
		ok := l.repo.Add(rows)
		metrics.FlushDuration.Observe(time.Since(start).Seconds())

		l.queueMu.Lock()
		l.pending[0] = nil
		l.pending = l.pending[1:]
		metrics.PendingBatches.Set(float64(len(l.pending)))
		l.queueMu.Unlock()
		l.persistMu.Unlock()

		if ok {
			metrics.FlushBatches.WithLabelValues("ok").Inc()
			metrics.FlushRows.WithLabelValues("written").Add(float64(len(rows)))
			l.log.Debug().Int("rows", len(rows)).Msg("batch persisted")
		} else {
			metrics.FlushBatches.WithLabelValues("failed").Inc()
			metrics.FlushRows.WithLabelValues("dropped").Add(float64(len(rows)))
			l.log.Error().Int("rows", len(rows)).Msg("batch write failed, rows dropped")
		}
	}
}

// Flush detaches the whole live buffer, persists every queued batch, and
// waits for the queue to drain or ctx to end.
func (l *Ledger) Flush(ctx context.Context) error {
	l.bufMu.Lock()
	l.enqueue(l.detachThrough(l.tail))
	l.nextPersist = l.clock.Now().Add(l.cfg.PersistInterval)
	metrics.BufferSize.Set(0)
	l.bufMu.Unlock()

	l.triggerPersist()

	l.queueMu.RLock()
	drained := l.drained
	l.queueMu.RUnlock()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies the persist deadline and the aging cut on a ticker so idle
// periods still flush. It flushes once more when ctx ends.
func (l *Ledger) Run(ctx context.Context) error {
	ticker := l.clock.NewTicker(l.cfg.TickInterval, "ledger")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := l.Flush(flushCtx); err != nil {
				l.log.Warn().Err(err).Msg("final flush incomplete")
			}
			return nil
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Ledger) tick() {
	now := l.clock.Now()
	queued := false

	l.bufMu.Lock()
	if !now.Before(l.nextPersist) {
		if l.size > 0 {
			l.enqueue(l.detachThrough(l.tail))
			queued = true
		}
		l.nextPersist = now.Add(l.cfg.PersistInterval)
	} else if cut := l.staleCut(now.UnixMilli()); cut != nil {
		l.enqueue(l.detachThrough(cut))
		queued = true
	}
	metrics.BufferSize.Set(float64(l.size))
	l.bufMu.Unlock()

	if queued {
		l.triggerPersist()
	}
}

// ---- Reads -----------------------------------------------------------------

// Query selects records across buffer, pending batches and the durable store.
type Query struct {
	AppID uint32
	// OpCodes restricts the permissions matched. Empty matches all.
	OpCodes []int32
	// Begin and End bound the timestamp inclusively. Zero leaves a side open.
	Begin int64
	End   int64
}

func (q Query) match(r permission.Record) bool {
	if r.AppID != q.AppID {
		return false
	}
	if q.Begin > 0 && r.Timestamp < q.Begin {
		return false
	}
	if q.End > 0 && r.Timestamp > q.End {
		return false
	}
	if len(q.OpCodes) == 0 {
		return true
	}
	for _, op := range q.OpCodes {
		if op == r.OpCode {
			return true
		}
	}
	return false
}

func (q Query) filter() storage.Filter {
	f := storage.Filter{And: []storage.Condition{storage.Eq(storage.ColumnAppID, int64(q.AppID))}}
	if q.Begin > 0 {
		f.And = append(f.And, storage.Ge(storage.ColumnTimestamp, q.Begin))
	}
	if q.End > 0 {
		f.And = append(f.And, storage.Le(storage.ColumnTimestamp, q.End))
	}
	for _, op := range q.OpCodes {
		f.Or = append(f.Or, storage.Eq(storage.ColumnOpCode, int64(op)))
	}
	return f
}

type naturalKey struct {
	appID     uint32
	opCode    int32
	status    permission.Status
	timestamp int64
}

func keyOf(r permission.Record) naturalKey {
	return naturalKey{r.AppID, r.OpCode, r.Status, r.Timestamp}
}

// Query returns matching records ordered by timestamp. Buffered and pending
// records are read from one snapshot; durable rows already present in that
// snapshot are skipped so a batch written mid-query is not counted twice.
// Stale buffered records found on the way are cut out for persistence.
func (l *Ledger) Query(q Query) ([]permission.Record, bool) {
	start := time.Now()
	defer func() { metrics.QueryDuration.Observe(time.Since(start).Seconds()) }()

	nowMs := l.clock.Now().UnixMilli()
	age := l.cfg.FlushAge.Milliseconds()
	var out []permission.Record
	stale := false

	l.bufMu.RLock()
	for p := l.head.next; p != nil; p = p.next {
		if nowMs-p.rec.Timestamp >= age {
			stale = true
		}
		if q.match(p.rec) {
			out = append(out, p.rec)
		}
	}
	l.queueMu.RLock()
	for _, batch := range l.pending {
		for p := batch.next; p != nil; p = p.next {
			if q.match(p.rec) {
				out = append(out, p.rec)
			}
		}
	}
	l.queueMu.RUnlock()
	l.bufMu.RUnlock()

	if stale {
		l.bufMu.Lock()
		cut := l.staleCut(nowMs)
		if cut != nil {
			l.enqueue(l.detachThrough(cut))
		}
		metrics.BufferSize.Set(float64(l.size))
		l.bufMu.Unlock()
		if cut != nil {
			l.triggerPersist()
		}
	}

	rows, ok := l.repo.Find(q.filter())
	if !ok {
		return nil, false
	}
	seen := make(map[naturalKey]struct{}, len(out))
	for _, r := range out {
		seen[keyOf(r)] = struct{}{}
	}
	for _, row := range rows {
		r := fromRow(row)
		if _, dup := seen[keyOf(r)]; dup {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, true
}

// AppIDs returns every app id with a buffered, pending or durable record.
func (l *Ledger) AppIDs() ([]uint32, bool) {
	set := make(map[uint32]struct{})
	l.bufMu.RLock()
	for p := l.head.next; p != nil; p = p.next {
		set[p.rec.AppID] = struct{}{}
	}
	l.queueMu.RLock()
	for _, batch := range l.pending {
		for p := batch.next; p != nil; p = p.next {
			set[p.rec.AppID] = struct{}{}
		}
	}
	l.queueMu.RUnlock()
	l.bufMu.RUnlock()

	stored, ok := l.repo.AppIDs()
	if !ok {
		return nil, false
	}
	for _, id := range stored {
		set[id] = struct{}{}
	}
	ids := make([]uint32, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, true
}

// Stats reports buffer and queue occupancy.
func (l *Ledger) Stats() Stats {
	l.bufMu.RLock()
	defer l.bufMu.RUnlock()
	l.queueMu.RLock()
	defer l.queueMu.RUnlock()
	return Stats{Buffered: l.size, PendingBatches: len(l.pending), Persisting: l.persisting}
}

// ---- Removal ---------------------------------------------------------------

// RemoveRecords deletes every buffered, pending and durable record of appID.
func (l *Ledger) RemoveRecords(appID uint32) bool {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	l.bufMu.Lock()
	for p := l.head.next; p != nil; {
		next := p.next
		if p.rec.AppID == appID {
			l.unlink(p)
		}
		p = next
	}
	metrics.BufferSize.Set(float64(l.size))

	l.queueMu.Lock()
	kept := l.pending[:0]
	for _, batch := range l.pending {
		for p := batch.next; p != nil; {
			next := p.next
			if p.rec.AppID == appID {
				p.prev.next = p.next
				if p.next != nil {
					p.next.prev = p.prev
				}
				p.prev, p.next = nil, nil
			}
			p = next
		}
		if batch.next != nil {
			kept = append(kept, batch)
		}
	}
	for i := len(kept); i < len(l.pending); i++ {
		l.pending[i] = nil
	}
	l.pending = kept
	metrics.PendingBatches.Set(float64(len(l.pending)))
	l.queueMu.Unlock()
	l.bufMu.Unlock()

	return l.repo.Remove(appID)
}

// ---- Conversion ------------------------------------------------------------

func toRow(r permission.Record) storage.Row {
	return storage.Row{
		AppID:          r.AppID,
		OpCode:         r.OpCode,
		Status:         int32(r.Status),
		Timestamp:      r.Timestamp,
		AccessDuration: r.AccessDuration,
		AccessCount:    r.AccessCount,
		RejectCount:    r.RejectCount,
	}
}

func fromRow(r storage.Row) permission.Record {
	return permission.Record{
		AppID:          r.AppID,
		OpCode:         r.OpCode,
		Status:         permission.Status(r.Status),
		Timestamp:      r.Timestamp,
		AccessDuration: r.AccessDuration,
		AccessCount:    r.AccessCount,
		RejectCount:    r.RejectCount,
	}
}
