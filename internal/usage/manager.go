// Package usage implements the permission record manager: validation of
// incoming usage events, the set of permissions currently in use, state
// transitions driven by app and switch events, and record queries.
package usage

import (
	"context"
	"sort"
	"sync"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/developingchet/privacy-record/internal/ledger"
	"github.com/developingchet/privacy-record/internal/metrics"
	"github.com/developingchet/privacy-record/internal/notifier"
	"github.com/developingchet/privacy-record/internal/permission"
	"github.com/developingchet/privacy-record/internal/platform"
)

// Cache is the record ledger the manager writes to and reads from.
type Cache interface {
	AddRecord(rec permission.Record)
	Query(q ledger.Query) ([]permission.Record, bool)
	RemoveRecords(appID uint32) bool
	AppIDs() ([]uint32, bool)
}

// Notifier delivers active-status changes.
type Notifier interface {
	Register(names []string, sub notifier.Subscriber) error
	Unregister(id string) error
	ExecuteCallbackAsync(c permission.ActiveChange) bool
}

// Platform bundles the collaborators the manager consults.
type Platform interface {
	platform.IdentityResolver
	platform.AppStateSource
	platform.SwitchSource
	platform.DialogTrigger
}

// Trigger is a debounced background task, such as retention expiry.
type Trigger interface {
	Trigger()
}

// Config holds manager settings.
type Config struct {
	// DetailLimit caps access and reject detail entries per permission.
	DetailLimit int
}

type startedEntry struct {
	appID     uint32
	opCode    int32
	status    permission.Status
	timestamp int64
}

type releaseSlot struct {
	appID uint32
	fn    ReleaseFunc
}

// Manager is the permission record manager.
type Manager struct {
	cfg      Config
	cache    Cache
	notifier Notifier
	platform Platform
	expiry   Trigger
	clock    quartz.Clock
	log      zerolog.Logger

	mu           sync.Mutex
	started      []startedEntry
	floatVisible map[uint32]bool
	release      releaseSlot
}

// New builds a Manager. expiry may be nil.
func New(cfg Config, cache Cache, n Notifier, p Platform, expiry Trigger, clock quartz.Clock, log zerolog.Logger) *Manager {
	if cfg.DetailLimit <= 0 {
		cfg.DetailLimit = 10
	}
	return &Manager{
		cfg:          cfg,
		cache:        cache,
		notifier:     n,
		platform:     p,
		expiry:       expiry,
		clock:        clock,
		log:          log.With().Str("component", "manager").Logger(),
		floatVisible: make(map[uint32]bool),
	}
}

func (m *Manager) nowMs() int64 {
	return m.clock.Now().UnixMilli()
}

func (m *Manager) resolve(appID uint32, name string) (int32, error) {
	if !m.platform.IsValidAppID(appID) {
		return 0, permission.ErrTokenIDNotExist
	}
	op, ok := permission.OpCode(name)
	if !ok {
		return 0, permission.ErrPermissionNotExist
	}
	return op, nil
}

// find returns the index of the started entry for (appID, op), or -1.
// Caller holds mu.
func (m *Manager) find(appID uint32, op int32) int {
	for i, e := range m.started {
		if e.appID == appID && e.opCode == op {
			return i
		}
	}
	return -1
}

// updateGauges refreshes the active usage gauge. Caller holds mu.
func (m *Manager) updateGauges() {
	counts := map[permission.Status]int{}
	for _, e := range m.started {
		counts[e.status]++
	}
	for _, s := range []permission.Status{permission.Inactive, permission.Foreground, permission.Background} {
		metrics.ActiveUsages.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// closed builds the record persisted when e leaves its current state.
func (m *Manager) closed(e startedEntry, now int64) permission.Record {
	return permission.Record{
		AppID:          e.appID,
		OpCode:         e.opCode,
		Status:         e.status,
		Timestamp:      e.timestamp,
		AccessDuration: now - e.timestamp,
		AccessCount:    1,
	}
}

func (m *Manager) notify(appID uint32, op int32, status permission.Status) {
	name, _ := permission.Name(op)
	var deviceID string
	if app, ok := m.platform.AppIdentity(appID); ok {
		deviceID = app.DeviceID
	}
	if !m.notifier.ExecuteCallbackAsync(permission.ActiveChange{
		AppID:          appID,
		PermissionName: name,
		DeviceID:       deviceID,
		Status:         status,
	}) {
		m.log.Warn().Uint32("app_id", appID).Str("permission", name).Msg("active status change not queued")
	}
}

// ---- Recording -------------------------------------------------------------

// AddPermissionUsedRecord records a tally of successful and failed uses.
func (m *Manager) AddPermissionUsedRecord(appID uint32, name string, successCount, failCount int32) error {
	op, err := m.resolve(appID, name)
	if err != nil {
		return err
	}
	if successCount < 0 || failCount < 0 {
		return permission.ErrParamInvalid
	}
	status := permission.Inactive
	if successCount+failCount > 0 {
		status = m.platform.AppStatus(appID)
	}
	if status == permission.Inactive && successCount == 0 && failCount == 0 {
		return permission.ErrParamInvalid
	}

	m.cache.AddRecord(permission.Record{
		AppID:       appID,
		OpCode:      op,
		Status:      status,
		Timestamp:   m.nowMs(),
		AccessCount: successCount,
		RejectCount: failCount,
	})
	if m.expiry != nil {
		m.expiry.Trigger()
	}
	return nil
}

// StartUsingPermission marks (appID, name) as in use. When the guarding
// global switch is muted the consent dialog is shown and the entry starts
// inactive. release, if given for the camera, replaces the single release
// slot.
func (m *Manager) StartUsingPermission(appID uint32, name string, release ReleaseFunc) error {
	op, err := m.resolve(appID, name)
	if err != nil {
		return err
	}
	status := m.platform.AppStatus(appID)
	res := permission.ResourceFor(op)

	m.mu.Lock()
	if m.find(appID, op) >= 0 {
		m.mu.Unlock()
		return permission.ErrPermissionAlreadyStartUsing
	}
	m.mu.Unlock()

	if res != permission.ResourceNone && m.platform.IsMuted(res) {
		if err := m.platform.ShowGlobalDialog(res); err != nil {
			m.log.Error().Err(err).Str("resource", string(res)).Msg("global switch dialog failed")
			return permission.ErrServiceAbnormal
		}
		status = permission.Inactive
	}

	m.mu.Lock()
	if m.find(appID, op) >= 0 {
		m.mu.Unlock()
		return permission.ErrPermissionAlreadyStartUsing
	}
	m.started = append(m.started, startedEntry{appID: appID, opCode: op, status: status, timestamp: m.nowMs()})
	if release != nil && op == permission.OpCamera {
		m.release = releaseSlot{appID: appID, fn: release}
	}
	m.updateGauges()
	m.mu.Unlock()

	m.log.Debug().Uint32("app_id", appID).Str("permission", name).Str("status", status.String()).Msg("permission started")
	if status != permission.Inactive {
		m.notify(appID, op, status)
	}
	return nil
}

// StopUsingPermission ends the episode started for (appID, name).
func (m *Manager) StopUsingPermission(appID uint32, name string) error {
	op, err := m.resolve(appID, name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	i := m.find(appID, op)
	if i < 0 {
		m.mu.Unlock()
		return permission.ErrPermissionNotStartUsing
	}
	e := m.started[i]
	m.started = append(m.started[:i], m.started[i+1:]...)
	if op == permission.OpCamera && m.release.appID == appID {
		m.release = releaseSlot{}
	}
	m.updateGauges()
	m.mu.Unlock()

	if e.status == permission.Inactive {
		return nil
	}
	m.cache.AddRecord(m.closed(e, m.nowMs()))
	m.notify(appID, op, permission.Inactive)
	return nil
}

// ---- State events ----------------------------------------------------------

// NotifyAppStateChange moves every started entry of appID to status,
// persisting the episode each active entry closes. Entries whose global
// switch is muted are left alone. A camera entry going to the background
// without a visible float window fires the release callback instead.
func (m *Manager) NotifyAppStateChange(appID uint32, status permission.Status) {
	now := m.nowMs()
	var closed []permission.Record
	var changed []int32
	var release ReleaseFunc

	m.mu.Lock()
	for i := range m.started {
		e := &m.started[i]
		if e.appID != appID || e.status == status {
			continue
		}
		if res := permission.ResourceFor(e.opCode); res != permission.ResourceNone && m.platform.IsMuted(res) {
			continue
		}
		if e.opCode == permission.OpCamera && status == permission.Background && !m.floatVisible[appID] {
			if m.release.appID == appID && m.release.fn != nil {
				release = m.release.fn
			}
			continue
		}
		if e.status != permission.Inactive {
			closed = append(closed, m.closed(*e, now))
		}
		e.status = status
		e.timestamp = now
		changed = append(changed, e.opCode)
	}
	m.updateGauges()
	m.mu.Unlock()

	for _, rec := range closed {
		m.cache.AddRecord(rec)
	}
	for _, op := range changed {
		m.notify(appID, op, status)
	}
	if release != nil {
		m.log.Debug().Uint32("app_id", appID).Msg("camera release callback fired")
		release()
	}
}

// NotifyMuteChanged applies a global switch flip to every started entry of
// the resource. Muting closes active episodes; unmuting re-activates
// inactive entries with the app's current status.
func (m *Manager) NotifyMuteChanged(res permission.Resource, muted bool) {
	now := m.nowMs()
	type change struct {
		appID  uint32
		op     int32
		status permission.Status
	}
	var closed []permission.Record
	var changes []change

	m.mu.Lock()
	for i := range m.started {
		e := &m.started[i]
		if permission.ResourceFor(e.opCode) != res {
			continue
		}
		switch {
		case muted && e.status != permission.Inactive:
			closed = append(closed, m.closed(*e, now))
			e.status = permission.Inactive
		case !muted && e.status == permission.Inactive:
			e.status = m.platform.AppStatus(e.appID)
		default:
			continue
		}
		e.timestamp = now
		changes = append(changes, change{e.appID, e.opCode, e.status})
	}
	m.updateGauges()
	m.mu.Unlock()

	for _, rec := range closed {
		m.cache.AddRecord(rec)
	}
	for _, c := range changes {
		m.notify(c.appID, c.op, c.status)
	}
}

// NotifyFloatWindowChanged tracks camera float-window visibility. Hiding
// the window of a background app using the camera fires the release
// callback.
func (m *Manager) NotifyFloatWindowChanged(appID uint32, visible bool) {
	var release ReleaseFunc
	background := m.platform.AppStatus(appID) == permission.Background

	m.mu.Lock()
	if visible {
		m.floatVisible[appID] = true
	} else {
		delete(m.floatVisible, appID)
		if background && m.find(appID, permission.OpCamera) >= 0 && m.release.appID == appID {
			release = m.release.fn
		}
	}
	m.mu.Unlock()

	if release != nil {
		release()
	}
}

// IsAllowedUsingPermission reports whether appID may use name right now:
// foreground apps always may, background apps only for the camera while
// its float window is visible.
func (m *Manager) IsAllowedUsingPermission(appID uint32, name string) bool {
	op, err := m.resolve(appID, name)
	if err != nil {
		return false
	}
	if m.platform.AppStatus(appID) == permission.Foreground {
		return true
	}
	if op != permission.OpCamera {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.floatVisible[appID]
}

// ---- Removal ---------------------------------------------------------------

// RemovePermissionUsedRecords drops every started entry and record of
// appID. deviceID must be empty or the app's own device.
func (m *Manager) RemovePermissionUsedRecords(appID uint32, deviceID string) error {
	if appID == 0 {
		return permission.ErrParamInvalid
	}
	if deviceID != "" {
		app, ok := m.platform.AppIdentity(appID)
		if !ok || app.DeviceID != deviceID {
			return permission.ErrParamInvalid
		}
	}

	m.mu.Lock()
	kept := m.started[:0]
	for _, e := range m.started {
		if e.appID != appID {
			kept = append(kept, e)
		}
	}
	m.started = kept
	delete(m.floatVisible, appID)
	if m.release.appID == appID {
		m.release = releaseSlot{}
	}
	m.updateGauges()
	m.mu.Unlock()

	if !m.cache.RemoveRecords(appID) {
		return permission.ErrServiceAbnormal
	}
	m.log.Info().Uint32("app_id", appID).Msg("permission records removed")
	return nil
}

// ---- Subscribers -----------------------------------------------------------

// RegisterActiveStatusCallback subscribes sub to changes of the named
// permissions. An empty list subscribes to all.
func (m *Manager) RegisterActiveStatusCallback(names []string, sub notifier.Subscriber) error {
	return m.notifier.Register(names, sub)
}

// UnregisterActiveStatusCallback removes the subscriber with id.
func (m *Manager) UnregisterActiveStatusCallback(id string) error {
	return m.notifier.Unregister(id)
}

// ---- Queries ---------------------------------------------------------------

// GetPermissionUsedRecords aggregates records per app and permission.
func (m *Manager) GetPermissionUsedRecords(req Request) (Result, error) {
	if req.BeginMillis < 0 || req.EndMillis < 0 || req.BeginMillis > req.EndMillis {
		return Result{}, permission.ErrParamInvalid
	}
	if req.Flag != FlagSummary && req.Flag != FlagDetail {
		return Result{}, permission.ErrParamInvalid
	}
	ops := make([]int32, 0, len(req.Permissions))
	for _, name := range req.Permissions {
		op, ok := permission.OpCode(name)
		if !ok {
			return Result{}, permission.ErrPermissionNotExist
		}
		ops = append(ops, op)
	}

	var targets []uint32
	switch {
	case req.AppID != 0:
		targets = []uint32{req.AppID}
	case req.BundleName != "":
		id, ok := m.platform.AppIDByBundle(req.BundleName)
		if !ok {
			return Result{}, nil
		}
		targets = []uint32{id}
	default:
		ids, ok := m.cache.AppIDs()
		if !ok {
			return Result{}, permission.ErrServiceAbnormal
		}
		targets = ids
	}

	var res Result
	for _, appID := range targets {
		app, known := m.platform.AppIdentity(appID)
		if req.DeviceID != "" && (!known || app.DeviceID != req.DeviceID) {
			continue
		}
		recs, ok := m.cache.Query(ledger.Query{
			AppID:   appID,
			OpCodes: ops,
			Begin:   req.BeginMillis,
			End:     req.EndMillis,
		})
		if !ok {
			return Result{}, permission.ErrServiceAbnormal
		}
		if len(recs) == 0 {
			continue
		}
		bundle := BundleUsedRecord{AppID: appID, DeviceID: app.DeviceID, BundleName: app.BundleName}
		bundle.PermissionRecords = m.aggregate(recs, req.Flag == FlagDetail)
		res.BundleRecords = append(res.BundleRecords, bundle)

		for _, r := range recs {
			if res.BeginTimeMillis == 0 || r.Timestamp < res.BeginTimeMillis {
				res.BeginTimeMillis = r.Timestamp
			}
			if r.Timestamp > res.EndTimeMillis {
				res.EndTimeMillis = r.Timestamp
			}
		}
	}
	return res, nil
}

// GetPermissionUsedRecordsAsync runs the query in the background and hands
// the outcome to cb. A context cancelled before the query runs reports
// ERR_SERVICE_ABNORMAL.
func (m *Manager) GetPermissionUsedRecordsAsync(ctx context.Context, req Request, cb func(Result, error)) {
	go func() {
		if ctx.Err() != nil {
			cb(Result{}, permission.ErrServiceAbnormal)
			return
		}
		cb(m.GetPermissionUsedRecords(req))
	}()
}

// aggregate folds timestamp-ordered records into per-permission totals.
func (m *Manager) aggregate(recs []permission.Record, detail bool) []PermissionUsedRecord {
	byOp := make(map[int32]*PermissionUsedRecord)
	var order []int32
	for _, r := range recs {
		p, ok := byOp[r.OpCode]
		if !ok {
			name, _ := permission.Name(r.OpCode)
			p = &PermissionUsedRecord{PermissionName: name}
			byOp[r.OpCode] = p
			order = append(order, r.OpCode)
		}
		p.AccessCount += r.AccessCount
		p.RejectCount += r.RejectCount
		if r.AccessCount > 0 && r.Timestamp >= p.LastAccessTime {
			p.LastAccessTime = r.Timestamp
			p.LastAccessDuration = r.AccessDuration
		}
		if r.RejectCount > 0 && r.Timestamp >= p.LastRejectTime {
			p.LastRejectTime = r.Timestamp
		}
		if !detail {
			continue
		}
		if r.AccessCount > 0 {
			p.AccessRecords = m.appendDetail(p.AccessRecords, UsedRecordDetail{
				Status: r.Status, Timestamp: r.Timestamp, AccessDuration: r.AccessDuration, Count: r.AccessCount,
			})
		}
		if r.RejectCount > 0 {
			p.RejectRecords = m.appendDetail(p.RejectRecords, UsedRecordDetail{
				Status: r.Status, Timestamp: r.Timestamp, Count: r.RejectCount,
			})
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]PermissionUsedRecord, 0, len(order))
	for _, op := range order {
		out = append(out, *byOp[op])
	}
	return out
}

// appendDetail keeps the newest DetailLimit entries.
func (m *Manager) appendDetail(list []UsedRecordDetail, d UsedRecordDetail) []UsedRecordDetail {
	list = append(list, d)
	if len(list) > m.cfg.DetailLimit {
		list = list[len(list)-m.cfg.DetailLimit:]
	}
	return list
}
