// Package repository is a typed façade over the durable permission record
// table. Store failures are logged and reported as booleans.
package repository

import (
	"github.com/rs/zerolog"

	"github.com/developingchet/privacy-record/internal/storage"
)

// Repository wraps a storage.Store.
type Repository struct {
	store storage.Store
	log   zerolog.Logger
}

// New returns a Repository over store.
func New(store storage.Store, log zerolog.Logger) *Repository {
	return &Repository{
		store: store,
		log:   log.With().Str("component", "repository").Logger(),
	}
}

// Add inserts rows in one all-or-nothing write.
func (r *Repository) Add(rows []storage.Row) bool {
	if len(rows) == 0 {
		return true
	}
	if err := r.store.Insert(rows); err != nil {
		r.log.Error().Err(err).Int("rows", len(rows)).Msg("insert failed")
		return false
	}
	return true
}

// Remove deletes every row belonging to appID.
func (r *Repository) Remove(appID uint32) bool {
	f := storage.Filter{And: []storage.Condition{storage.Eq(storage.ColumnAppID, int64(appID))}}
	if err := r.store.Delete(f); err != nil {
		r.log.Error().Err(err).Uint32("app_id", appID).Msg("delete failed")
		return false
	}
	return true
}

// Find returns rows matching f ordered by timestamp.
func (r *Repository) Find(f storage.Filter) ([]storage.Row, bool) {
	rows, err := r.store.Select(f)
	if err != nil {
		r.log.Error().Err(err).Msg("select failed")
		return nil, false
	}
	return rows, true
}

// Count returns the number of durable rows, or -1 on failure.
func (r *Repository) Count() int {
	n, err := r.store.Count()
	if err != nil {
		r.log.Error().Err(err).Msg("count failed")
		return -1
	}
	return n
}

// AppIDs returns every app id with at least one durable row.
func (r *Repository) AppIDs() ([]uint32, bool) {
	ids, err := r.store.AppIDs()
	if err != nil {
		r.log.Error().Err(err).Msg("app id scan failed")
		return nil, false
	}
	return ids, true
}

// DeleteOlderThan removes rows with a timestamp before cutoff.
func (r *Repository) DeleteOlderThan(cutoff int64) (int, bool) {
	n, err := r.store.DeleteOlderThan(cutoff)
	if err != nil {
		r.log.Error().Err(err).Int64("cutoff", cutoff).Msg("age prune failed")
		return 0, false
	}
	return n, true
}

// DeleteExcess keeps only the newest keep rows.
func (r *Repository) DeleteExcess(keep int) (int, bool) {
	n, err := r.store.DeleteExcess(keep)
	if err != nil {
		r.log.Error().Err(err).Int("keep", keep).Msg("count prune failed")
		return 0, false
	}
	return n, true
}

// SizeBytes returns the store's on-disk size, or 0 on failure.
func (r *Repository) SizeBytes() int64 {
	n, err := r.store.SizeBytes()
	if err != nil {
		r.log.Warn().Err(err).Msg("db size unavailable")
		return 0
	}
	return n
}
