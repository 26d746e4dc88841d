package pricing

import (
	"fmt"
	"math"

	"github.com/local/printcost/internal/printjob"
)

// Default rates, in currency units per page.
const (
	DefaultRateA4         = 5.0
	DefaultRateLetter     = 4.0
	DefaultRateLegal      = 6.0
	DefaultImageSurcharge = 3.0
	verifyTolerance       = 1e-9
)

// Table maps each paper type to a per-page base rate, plus the surcharge
// added to image-bearing pages printed in color.
type Table struct {
	Rates          map[printjob.PaperType]float64
	ImageSurcharge float64
}

// DefaultTable returns the built-in price table.
func DefaultTable() Table {
	return Table{
		Rates: map[printjob.PaperType]float64{
			printjob.PaperA4:     DefaultRateA4,
			printjob.PaperLetter: DefaultRateLetter,
			printjob.PaperLegal:  DefaultRateLegal,
		},
		ImageSurcharge: DefaultImageSurcharge,
	}
}

// Validate checks every paper type has a non-negative rate and the
// surcharge is positive.
func (t Table) Validate() error {
	for _, p := range printjob.PaperTypes {
		r, ok := t.Rates[p]
		if !ok {
			return fmt.Errorf("price table: missing rate for %s", p)
		}
		if r < 0 || math.IsNaN(r) || math.IsInf(r, 0) {
			return fmt.Errorf("price table: invalid rate %v for %s", r, p)
		}
	}
	if !(t.ImageSurcharge > 0) || math.IsInf(t.ImageSurcharge, 0) {
		return fmt.Errorf("price table: image surcharge must be positive, got %v", t.ImageSurcharge)
	}
	return nil
}

// Rate returns the base rate for p, zero for an unknown paper type.
func (t Table) Rate(p printjob.PaperType) float64 { return t.Rates[p] }

// PerCopy is the cost of printing the document once.
// Print side and file name never take part.
func (t Table) PerCopy(s printjob.Settings, pages printjob.PageAnalysis) float64 {
	base := t.Rate(s.PaperType)
	if s.ColorMode != printjob.ColorColored {
		return float64(len(pages)) * base
	}
	sum := 0.0
	for _, hasImage := range pages {
		if hasImage {
			sum += base + t.ImageSurcharge
		} else {
			sum += base
		}
	}
	return sum
}

// Compute returns the total cost: the per-copy cost multiplied by copies.
func (t Table) Compute(s printjob.Settings, pages printjob.PageAnalysis) float64 {
	return t.PerCopy(s, pages) * float64(s.Copies)
}

// ComputeRecord prices a record from its current settings and analysis.
func (t Table) ComputeRecord(r printjob.Record) float64 {
	return t.Compute(r.Settings, r.Pages)
}

// Total sums the stored cost of every record.
func Total(records []printjob.Record) float64 {
	total := 0.0
	for _, r := range records {
		total += r.TotalPrintCost
	}
	return total
}

// Mismatch describes a line whose asserted price differs from the recomputed one.
type Mismatch struct {
	ID       int64   `json:"id"`
	Asserted float64 `json:"asserted"`
	Computed float64 `json:"computed"`
}

// Line is what a verifier needs to re-execute the formula for one document.
type Line struct {
	ID       int64
	Settings printjob.Settings
	Pages    printjob.PageAnalysis
	Asserted float64
}

// Verify recomputes every line and the grand total. It returns the
// recomputed total and any lines whose asserted price disagrees.
func (t Table) Verify(lines []Line, assertedTotal float64) (float64, []Mismatch, bool) {
	var out []Mismatch
	total := 0.0
	for _, l := range lines {
		c := t.Compute(l.Settings, l.Pages)
		total += c
		if math.Abs(c-l.Asserted) > verifyTolerance {
			out = append(out, Mismatch{ID: l.ID, Asserted: l.Asserted, Computed: c})
		}
	}
	ok := len(out) == 0 && math.Abs(total-assertedTotal) <= verifyTolerance
	return total, out, ok
}
