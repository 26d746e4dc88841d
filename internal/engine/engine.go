package engine

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/local/printcost/internal/metrics"
	"github.com/local/printcost/internal/pricing"
	"github.com/local/printcost/internal/printjob"
)

// Options bounds the editable settings.
type Options struct {
	MinCopies int
	MaxCopies int
}

// NewRecord is everything the engine needs to create a record. The page
// analysis must already be complete.
type NewRecord struct {
	Document      []byte
	PreviewHandle string
	File          printjob.FileInfo
	PageCount     int
	Pages         printjob.PageAnalysis
}

// Snapshot is an immutable view of the collection.
type Snapshot struct {
	Files     []printjob.Record `json:"files"`
	TotalCost float64           `json:"totalCost"`
}

// Engine owns one ordered collection of print job records. All mutations
// are serialized and run to completion; readers only get copies.
type Engine struct {
	table pricing.Table
	opts  Options

	mu      sync.Mutex
	records []printjob.Record
	nextID  int64
	version uint64

	subMu     sync.Mutex
	subs      map[int]func(Snapshot)
	nextSubID int

	// pubMu orders deliveries; published is the newest version delivered.
	pubMu     sync.Mutex
	published uint64
}

// New creates an empty engine priced by table.
func New(table pricing.Table, opts Options) *Engine {
	if opts.MinCopies <= 0 {
		opts.MinCopies = printjob.DefaultMinCopies
	}
	if opts.MaxCopies < opts.MinCopies {
		opts.MaxCopies = printjob.DefaultMaxCopies
	}
	return &Engine{table: table, opts: opts, subs: map[int]func(Snapshot){}}
}

// Table returns the price table in use.
func (e *Engine) Table() pricing.Table { return e.table }

// Add creates a record with default settings, prices it and appends it.
func (e *Engine) Add(in NewRecord) (printjob.Record, error) {
	if in.PageCount < 0 {
		return printjob.Record{}, fmt.Errorf("negative page count %d", in.PageCount)
	}
	if len(in.Pages) != in.PageCount {
		return printjob.Record{}, fmt.Errorf("page analysis has %d entries for %d pages", len(in.Pages), in.PageCount)
	}

	e.mu.Lock()
	e.nextID++
	rec := printjob.Record{
		ID:            e.nextID,
		Document:      in.Document,
		PreviewHandle: in.PreviewHandle,
		File:          in.File,
		PageCount:     in.PageCount,
		Pages:         in.Pages.Clone(),
		Settings:      printjob.DefaultSettings(),
	}
	rec.TotalPrintCost = e.table.ComputeRecord(rec)
	e.records = append(e.records, rec)
	out := rec.Clone()
	snap, v := e.mutatedLocked()
	e.mu.Unlock()

	metrics.IncMutation("add")
	log.Debug().Int64("id", out.ID).Str("name", out.File.Name).Int("pages", out.PageCount).
		Float64("cost", out.TotalPrintCost).Msg("print job added")
	e.publish(v, snap)
	return out, nil
}

// Update replaces one field of record id. Pricing fields recompute the cost
// before the lock is released, so no caller can see the new setting with
// the old cost. An invalid value leaves the record unchanged.
func (e *Engine) Update(id int64, field printjob.Field, value string) (printjob.Record, error) {
	e.mu.Lock()
	idx := e.indexLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		return printjob.Record{}, fmt.Errorf("update %d: %w", id, printjob.ErrRecordNotFound)
	}
	rec := e.records[idx]
	if err := e.apply(&rec, field, value); err != nil {
		e.mu.Unlock()
		return printjob.Record{}, err
	}
	if field.AffectsPrice() {
		rec.TotalPrintCost = e.table.ComputeRecord(rec)
	}
	e.records[idx] = rec
	out := rec.Clone()
	snap, v := e.mutatedLocked()
	e.mu.Unlock()

	metrics.IncMutation("update")
	log.Debug().Int64("id", id).Str("field", string(field)).Str("value", value).
		Float64("cost", out.TotalPrintCost).Msg("print job updated")
	e.publish(v, snap)
	return out, nil
}

func (e *Engine) apply(rec *printjob.Record, field printjob.Field, value string) error {
	switch field {
	case printjob.FieldPaperType:
		p := printjob.PaperType(value)
		if !p.Valid() {
			return &printjob.SettingError{Field: field, Value: value, Reason: "unknown paper type"}
		}
		rec.Settings.PaperType = p
	case printjob.FieldColorMode:
		c := printjob.ColorMode(value)
		if !c.Valid() {
			return &printjob.SettingError{Field: field, Value: value, Reason: "unknown color mode"}
		}
		rec.Settings.ColorMode = c
	case printjob.FieldPrintSide:
		s := printjob.PrintSide(value)
		if !s.Valid() {
			return &printjob.SettingError{Field: field, Value: value, Reason: "unknown print side"}
		}
		rec.Settings.PrintSide = s
	case printjob.FieldCopies:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return &printjob.SettingError{Field: field, Value: value, Reason: "not an integer"}
		}
		if n < e.opts.MinCopies || n > e.opts.MaxCopies {
			return &printjob.SettingError{Field: field, Value: value,
				Reason: fmt.Sprintf("must be between %d and %d", e.opts.MinCopies, e.opts.MaxCopies)}
		}
		rec.Settings.Copies = n
	case printjob.FieldName:
		name := strings.TrimSpace(value)
		if name == "" {
			return &printjob.SettingError{Field: field, Value: value, Reason: "empty name"}
		}
		rec.File.Name = name
	default:
		return &printjob.SettingError{Field: field, Value: value, Reason: "unknown field"}
	}
	return nil
}

// Remove deletes record id. The returned record tells the caller which
// preview handle to release. Removing an absent id is a no-op.
func (e *Engine) Remove(id int64) (printjob.Record, bool) {
	e.mu.Lock()
	idx := e.indexLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		return printjob.Record{}, false
	}
	rec := e.records[idx]
	e.records = append(e.records[:idx:idx], e.records[idx+1:]...)
	snap, v := e.mutatedLocked()
	e.mu.Unlock()

	metrics.IncMutation("remove")
	log.Debug().Int64("id", id).Msg("print job removed")
	e.publish(v, snap)
	return rec, true
}

// Clear empties the collection and returns what it held.
func (e *Engine) Clear() []printjob.Record {
	e.mu.Lock()
	removed := e.records
	e.records = nil
	snap, v := e.mutatedLocked()
	e.mu.Unlock()

	metrics.IncMutation("clear")
	log.Debug().Int("removed", len(removed)).Msg("print jobs cleared")
	e.publish(v, snap)
	return removed
}

// RemoveIDs deletes the records whose ids are listed and returns them.
// Records added after the caller took its snapshot are left alone. One
// snapshot is published for the whole batch.
func (e *Engine) RemoveIDs(ids []int64) []printjob.Record {
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	e.mu.Lock()
	var removed []printjob.Record
	kept := e.records[:0:0]
	for _, r := range e.records {
		if drop[r.ID] {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	if len(removed) == 0 {
		e.mu.Unlock()
		return nil
	}
	e.records = kept
	snap, v := e.mutatedLocked()
	e.mu.Unlock()

	metrics.IncMutation("remove_batch")
	log.Debug().Int("removed", len(removed)).Int("kept", len(kept)).Msg("print jobs removed")
	e.publish(v, snap)
	return removed
}

// TotalCost sums the current records. It is computed on every call.
func (e *Engine) TotalCost() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return pricing.Total(e.records)
}

// Get returns a copy of record id.
func (e *Engine) Get(id int64) (printjob.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.indexLocked(id)
	if idx < 0 {
		return printjob.Record{}, false
	}
	return e.records[idx].Clone(), true
}

// Len returns the number of records.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

// Snapshot returns copies of all records in insertion order.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every mutation.
// Snapshots arrive in mutation order; one overtaken by a newer snapshot is
// skipped. fn must not mutate the engine. The returned func unregisters it.
func (e *Engine) Subscribe(fn func(Snapshot)) func() {
	e.subMu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) publish(v uint64, s Snapshot) {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	if v <= e.published {
		return
	}
	e.published = v

	e.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (e *Engine) indexLocked(id int64) int {
	for i := range e.records {
		if e.records[i].ID == id {
			return i
		}
	}
	return -1
}

// mutatedLocked bumps the version and snapshots the new state.
func (e *Engine) mutatedLocked() (Snapshot, uint64) {
	e.version++
	return e.snapshotLocked(), e.version
}

func (e *Engine) snapshotLocked() Snapshot {
	files := make([]printjob.Record, len(e.records))
	for i, r := range e.records {
		files[i] = r.Clone()
	}
	return Snapshot{Files: files, TotalCost: pricing.Total(e.records)}
}
