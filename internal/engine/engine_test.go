package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/local/printcost/internal/pricing"
	"github.com/local/printcost/internal/printjob"
)

func newEngine() *Engine {
	return New(pricing.DefaultTable(), Options{MinCopies: 1, MaxCopies: 100})
}

func doc(name string, pages ...bool) NewRecord {
	return NewRecord{
		Document:  []byte("%PDF-1.4"),
		File:      printjob.FileInfo{Name: name, Size: 8, MIMEType: "application/pdf"},
		PageCount: len(pages),
		Pages:     printjob.PageAnalysis(pages),
	}
}

func mustAdd(t *testing.T, e *Engine, in NewRecord) printjob.Record {
	t.Helper()
	r, err := e.Add(in)
	if err != nil {
		t.Fatalf("add %s: %v", in.File.Name, err)
	}
	return r
}

func TestAddDefaults(t *testing.T) {
	e := newEngine()
	r := mustAdd(t, e, doc("a.pdf", true, false, true))
	if r.ID != 1 {
		t.Fatalf("id: got %d want 1", r.ID)
	}
	if r.Settings != printjob.DefaultSettings() {
		t.Fatalf("settings: got %+v", r.Settings)
	}
	if r.TotalPrintCost != 15 {
		t.Fatalf("cost: got %v want 15", r.TotalPrintCost)
	}
}

func TestAddRejectsIncompleteAnalysis(t *testing.T) {
	e := newEngine()
	in := doc("a.pdf", true, false)
	in.PageCount = 3
	if _, err := e.Add(in); err == nil {
		t.Fatal("expected error for short analysis")
	}
	if e.Len() != 0 {
		t.Fatalf("record inserted despite error: len=%d", e.Len())
	}
}

func TestTwoDocumentsTotal(t *testing.T) {
	e := newEngine()
	if got := e.TotalCost(); got != 0 {
		t.Fatalf("empty total: got %v", got)
	}
	mustAdd(t, e, doc("three.pdf", false, false, false))
	mustAdd(t, e, doc("five.pdf", false, false, false, false, false))
	if got := e.TotalCost(); got != 40 {
		t.Fatalf("total: got %v want 40", got)
	}
}

func TestUpdateRecomputesBeforeReturn(t *testing.T) {
	e := newEngine()
	r := mustAdd(t, e, doc("a.pdf", true, false, true))

	got, err := e.Update(r.ID, printjob.FieldCopies, "2")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalPrintCost != 30 {
		t.Fatalf("b&w x2: got %v want 30", got.TotalPrintCost)
	}
	got, err = e.Update(r.ID, printjob.FieldColorMode, string(printjob.ColorColored))
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalPrintCost != 42 {
		t.Fatalf("colored x2: got %v want 42", got.TotalPrintCost)
	}
	stored, _ := e.Get(r.ID)
	if stored.TotalPrintCost != 42 || stored.Settings.ColorMode != printjob.ColorColored {
		t.Fatalf("stored record stale: %+v", stored)
	}
	got, err = e.Update(r.ID, printjob.FieldPaperType, string(printjob.PaperLegal))
	if err != nil {
		t.Fatal(err)
	}
	if want := e.Table().Compute(got.Settings, got.Pages); got.TotalPrintCost != want {
		t.Fatalf("legal: got %v want %v", got.TotalPrintCost, want)
	}
}

func TestUpdateNonPricingFieldsKeepCost(t *testing.T) {
	e := newEngine()
	r := mustAdd(t, e, doc("a.pdf", true))
	got, err := e.Update(r.ID, printjob.FieldPrintSide, string(printjob.SideBoth))
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalPrintCost != r.TotalPrintCost || got.Settings.PrintSide != printjob.SideBoth {
		t.Fatalf("print side: %+v", got)
	}
	got, err = e.Update(r.ID, printjob.FieldName, "renamed.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if got.File.Name != "renamed.pdf" || got.TotalPrintCost != r.TotalPrintCost {
		t.Fatalf("name: %+v", got)
	}
}

func TestUpdateInvalidValues(t *testing.T) {
	e := newEngine()
	r := mustAdd(t, e, doc("a.pdf", true, false))
	cases := []struct {
		field printjob.Field
		value string
	}{
		{printjob.FieldCopies, "0"},
		{printjob.FieldCopies, "-3"},
		{printjob.FieldCopies, "101"},
		{printjob.FieldCopies, "two"},
		{printjob.FieldPaperType, "A3"},
		{printjob.FieldColorMode, "Sepia"},
		{printjob.FieldPrintSide, "Three Sided"},
		{printjob.FieldName, "   "},
		{printjob.Field("preview"), "x"},
	}
	for _, tc := range cases {
		_, err := e.Update(r.ID, tc.field, tc.value)
		if !errors.Is(err, printjob.ErrInvalidSettingValue) {
			t.Fatalf("%s=%q: expected invalid setting, got %v", tc.field, tc.value, err)
		}
		var se *printjob.SettingError
		if !errors.As(err, &se) || se.Field != tc.field {
			t.Fatalf("%s=%q: expected SettingError, got %T", tc.field, tc.value, err)
		}
	}
	stored, _ := e.Get(r.ID)
	if stored.Settings != r.Settings || stored.TotalPrintCost != r.TotalPrintCost || stored.File.Name != "a.pdf" {
		t.Fatalf("record mutated by rejected edits: %+v", stored)
	}
}

func TestUpdateUnknownID(t *testing.T) {
	e := newEngine()
	_, err := e.Update(42, printjob.FieldCopies, "2")
	if !errors.Is(err, printjob.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	e := newEngine()
	a := mustAdd(t, e, doc("a.pdf", false, false, false))
	mustAdd(t, e, doc("b.pdf", false))

	removed, ok := e.Remove(a.ID)
	if !ok || removed.ID != a.ID {
		t.Fatalf("remove: ok=%v rec=%+v", ok, removed)
	}
	if got := e.TotalCost(); got != 5 {
		t.Fatalf("total after remove: got %v want 5", got)
	}
	if _, ok := e.Remove(a.ID); ok {
		t.Fatal("second remove reported success")
	}
	if e.Len() != 1 {
		t.Fatalf("len: got %d want 1", e.Len())
	}
}

func TestIDsNeverReused(t *testing.T) {
	e := newEngine()
	a := mustAdd(t, e, doc("a.pdf", false))
	b := mustAdd(t, e, doc("b.pdf", false))
	e.Remove(a.ID)
	c := mustAdd(t, e, doc("c.pdf", false))
	if c.ID == b.ID || c.ID == a.ID {
		t.Fatalf("id reused: a=%d b=%d c=%d", a.ID, b.ID, c.ID)
	}
	e.Clear()
	d := mustAdd(t, e, doc("d.pdf", false))
	if d.ID <= c.ID {
		t.Fatalf("id not monotonic after clear: c=%d d=%d", c.ID, d.ID)
	}
}

func TestTotalMatchesSumAcrossOperations(t *testing.T) {
	e := newEngine()
	check := func() {
		t.Helper()
		snap := e.Snapshot()
		sum := 0.0
		for _, r := range snap.Files {
			sum += r.TotalPrintCost
			if want := e.Table().ComputeRecord(r); r.TotalPrintCost != want {
				t.Fatalf("record %d stale: %v want %v", r.ID, r.TotalPrintCost, want)
			}
		}
		if got := e.TotalCost(); got != sum || snap.TotalCost != sum {
			t.Fatalf("total %v snapshot %v sum %v", got, snap.TotalCost, sum)
		}
	}
	a := mustAdd(t, e, doc("a.pdf", true, true))
	check()
	b := mustAdd(t, e, doc("b.pdf", false, true, false))
	check()
	e.Update(a.ID, printjob.FieldColorMode, string(printjob.ColorColored))
	check()
	e.Update(b.ID, printjob.FieldCopies, "7")
	check()
	e.Update(b.ID, printjob.FieldPaperType, string(printjob.PaperLetter))
	check()
	e.Remove(a.ID)
	check()
	e.Clear()
	check()
}

func TestSnapshotIsolation(t *testing.T) {
	e := newEngine()
	r := mustAdd(t, e, doc("a.pdf", true, false))
	snap := e.Snapshot()
	snap.Files[0].Pages[0] = false
	snap.Files[0].TotalPrintCost = 999
	stored, _ := e.Get(r.ID)
	if !stored.Pages[0] || stored.TotalPrintCost == 999 {
		t.Fatalf("snapshot aliases engine state: %+v", stored)
	}
}

func TestSubscribeReceivesEveryMutation(t *testing.T) {
	e := newEngine()
	var got []int
	unsub := e.Subscribe(func(s Snapshot) { got = append(got, len(s.Files)) })
	r := mustAdd(t, e, doc("a.pdf", false))
	e.Update(r.ID, printjob.FieldCopies, "3")
	e.Remove(r.ID)
	unsub()
	mustAdd(t, e, doc("b.pdf", false))
	want := []int{1, 1, 0}
	if len(got) != len(want) {
		t.Fatalf("notifications: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("notifications: got %v want %v", got, want)
		}
	}
}

func TestClearReturnsRecords(t *testing.T) {
	e := newEngine()
	mustAdd(t, e, doc("a.pdf", false))
	mustAdd(t, e, doc("b.pdf", false))
	removed := e.Clear()
	if len(removed) != 2 || e.Len() != 0 || e.TotalCost() != 0 {
		t.Fatalf("clear: removed=%d len=%d total=%v", len(removed), e.Len(), e.TotalCost())
	}
}

func TestRemoveIDsKeepsLaterRecords(t *testing.T) {
	e := newEngine()
	a := mustAdd(t, e, doc("a.pdf", false))
	b := mustAdd(t, e, doc("b.pdf", true))
	snap := e.Snapshot()
	late := mustAdd(t, e, doc("late.pdf", false))

	var published []Snapshot
	e.Subscribe(func(s Snapshot) { published = append(published, s) })

	ids := make([]int64, len(snap.Files))
	for i, r := range snap.Files {
		ids[i] = r.ID
	}
	removed := e.RemoveIDs(ids)
	if len(removed) != 2 || removed[0].ID != a.ID || removed[1].ID != b.ID {
		t.Fatalf("removed: %+v", removed)
	}
	if e.Len() != 1 {
		t.Fatalf("len = %d, want 1", e.Len())
	}
	if _, ok := e.Get(late.ID); !ok {
		t.Fatal("record added after the snapshot was removed")
	}
	if len(published) != 1 || len(published[0].Files) != 1 {
		t.Fatalf("expected one snapshot with one file, got %+v", published)
	}
	if again := e.RemoveIDs(ids); again != nil || len(published) != 1 {
		t.Fatalf("second removal: removed=%v notifications=%d", again, len(published))
	}
}

func TestSubscribersSeeMutationsInOrder(t *testing.T) {
	e := newEngine()
	r := mustAdd(t, e, doc("a.pdf", false))

	var (
		mu    sync.Mutex
		last  Snapshot
		first = true
	)
	firstIn := make(chan struct{})
	e.Subscribe(func(s Snapshot) {
		mu.Lock()
		stall := first
		first = false
		mu.Unlock()
		if stall {
			// hold the first delivery until the second update has committed
			close(firstIn)
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		last = s
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := e.Update(r.ID, printjob.FieldCopies, "2"); err != nil {
			t.Error(err)
		}
	}()
	<-firstIn
	if _, err := e.Update(r.ID, printjob.FieldCopies, "7"); err != nil {
		t.Fatal(err)
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	if got := last.Files[0].Settings.Copies; got != 7 {
		t.Fatalf("last published copies = %d, want 7", got)
	}
	if last.TotalCost != e.TotalCost() {
		t.Fatalf("last published total %v, engine total %v", last.TotalCost, e.TotalCost())
	}
}
