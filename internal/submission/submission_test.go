package submission

import (
	"context"
	"errors"
	"testing"

	"github.com/local/printcost/internal/engine"
	"github.com/local/printcost/internal/pricing"
	"github.com/local/printcost/internal/printjob"
)

type fakeChannel struct {
	got    []Payload
	err    error
	during func()
}

func (f *fakeChannel) Deliver(ctx context.Context, p Payload) (Receipt, error) {
	f.got = append(f.got, p)
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return Receipt{}, f.err
	}
	return Receipt{SubmissionID: p.SubmissionID, Status: "queued", Documents: len(p.Documents), TotalPrice: p.TotalPrice}, nil
}

func filled(t *testing.T) *engine.Engine {
	t.Helper()
	e := engine.New(pricing.DefaultTable(), engine.Options{MinCopies: 1, MaxCopies: 100})
	for _, n := range []int{3, 5} {
		_, err := e.Add(engine.NewRecord{
			Document:      []byte("%PDF-1.4"),
			PreviewHandle: "h",
			File:          printjob.FileInfo{Name: "doc.pdf", MIMEType: "application/pdf"},
			PageCount:     n,
			Pages:         make(printjob.PageAnalysis, n),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return e
}

func TestValidate(t *testing.T) {
	cases := []struct {
		req   Request
		field string
	}{
		{Request{"Ada Lovelace", "ada@example.com"}, ""},
		{Request{"Dr. J. Smith, Jr.", "j.smith@uni.edu"}, ""},
		{Request{"Al", "al@example.com"}, "name"},
		{Request{"R2D2", "r2@example.com"}, "name"},
		{Request{"Ada Lovelace", "not-an-email"}, "email"},
		{Request{"Ada Lovelace", "Ada <ada@example.com>"}, "email"},
		{Request{"Ada Lovelace", ""}, "email"},
	}
	for _, tc := range cases {
		err := tc.req.Validate()
		if tc.field == "" {
			if err != nil {
				t.Errorf("%+v: unexpected %v", tc.req, err)
			}
			continue
		}
		var fe *FieldError
		if !errors.As(err, &fe) || fe.Field != tc.field || !errors.Is(err, ErrInvalidSubmitter) {
			t.Errorf("%+v: expected %s error, got %v", tc.req, tc.field, err)
		}
	}
}

func TestSubmitSuccessClears(t *testing.T) {
	e := filled(t)
	ch := &fakeChannel{}
	s := NewService(ch)
	var released []printjob.Record
	s.OnCleared = func(r []printjob.Record) { released = r }

	rc, err := s.Submit(context.Background(), Request{"Ada Lovelace", "ada@example.com"}, e)
	if err != nil {
		t.Fatal(err)
	}
	if rc.TotalPrice != 40 || rc.Documents != 2 || rc.SubmissionID == "" {
		t.Fatalf("receipt: %+v", rc)
	}
	p := ch.got[0]
	if len(p.Prices) != 2 || p.Prices[0].Price != 15 || p.Prices[1].Price != 25 {
		t.Fatalf("prices: %+v", p.Prices)
	}
	if len(p.Jobs) != 2 || p.Jobs[1].PageCount != 5 || len(p.Documents[0].Data) == 0 {
		t.Fatalf("payload: %+v", p)
	}
	if e.Len() != 0 || len(released) != 2 {
		t.Fatalf("not cleared: len=%d released=%d", e.Len(), len(released))
	}
}

func TestSubmitTransportFailureStillClears(t *testing.T) {
	e := filled(t)
	cause := errors.New("relay down")
	s := NewService(&fakeChannel{err: cause})
	_, err := s.Submit(context.Background(), Request{"Ada Lovelace", "ada@example.com"}, e)
	if !errors.Is(err, ErrSubmissionTransport) || !errors.Is(err, cause) {
		t.Fatalf("expected transport error wrapping cause, got %v", err)
	}
	if e.Len() != 0 {
		t.Fatalf("collection not cleared after failure: %d", e.Len())
	}
}

func TestSubmitRejectsWithoutSideEffects(t *testing.T) {
	e := filled(t)
	ch := &fakeChannel{}
	s := NewService(ch)
	if _, err := s.Submit(context.Background(), Request{"x", "bad"}, e); !errors.Is(err, ErrInvalidSubmitter) {
		t.Fatalf("expected invalid submitter, got %v", err)
	}
	if e.Len() != 2 || len(ch.got) != 0 {
		t.Fatalf("invalid request had side effects: len=%d delivered=%d", e.Len(), len(ch.got))
	}

	empty := engine.New(pricing.DefaultTable(), engine.Options{})
	if _, err := s.Submit(context.Background(), Request{"Ada Lovelace", "ada@example.com"}, empty); !errors.Is(err, ErrEmptyCollection) {
		t.Fatalf("expected empty collection, got %v", err)
	}
	if len(ch.got) != 0 {
		t.Fatal("empty collection delivered")
	}
}

func TestSubmitKeepsRecordsAddedDuringDelivery(t *testing.T) {
	for name, deliverErr := range map[string]error{"accepted": nil, "transport error": errors.New("relay down")} {
		t.Run(name, func(t *testing.T) {
			e := filled(t)
			var late printjob.Record
			ch := &fakeChannel{err: deliverErr, during: func() {
				var err error
				late, err = e.Add(engine.NewRecord{
					Document:  []byte("%PDF-1.4"),
					File:      printjob.FileInfo{Name: "late.pdf", MIMEType: "application/pdf"},
					PageCount: 1,
					Pages:     make(printjob.PageAnalysis, 1),
				})
				if err != nil {
					t.Error(err)
				}
			}}
			s := NewService(ch)
			var released []printjob.Record
			s.OnCleared = func(r []printjob.Record) { released = r }

			s.Submit(context.Background(), Request{"Ada Lovelace", "ada@example.com"}, e)

			if len(ch.got) != 1 || len(ch.got[0].Documents) != 2 {
				t.Fatalf("delivered: %+v", ch.got)
			}
			if e.Len() != 1 || len(released) != 2 {
				t.Fatalf("len=%d released=%d, want 1 and 2", e.Len(), len(released))
			}
			if _, ok := e.Get(late.ID); !ok {
				t.Fatal("record added during delivery was dropped")
			}
		})
	}
}
