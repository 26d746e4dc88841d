package printjob

import (
	"time"
)

// PaperType is the sheet size a document is printed on.
type PaperType string

const (
	PaperA4     PaperType = "A4"
	PaperLetter PaperType = "Letter"
	PaperLegal  PaperType = "Legal"
)

// ColorMode selects monochrome or color output.
type ColorMode string

const (
	ColorBlackWhite ColorMode = "Black & White"
	ColorColored    ColorMode = "Colored"
)

// PrintSide is advisory only; it never participates in pricing.
type PrintSide string

const (
	SideOne  PrintSide = "One Sided"
	SideBoth PrintSide = "Both Sides"
)

// Copies bounds used when no configuration overrides them.
const (
	DefaultMinCopies = 1
	DefaultMaxCopies = 100
)

// PaperTypes lists the accepted paper types in display order.
var PaperTypes = []PaperType{PaperA4, PaperLetter, PaperLegal}

// ColorModes lists the accepted color modes.
var ColorModes = []ColorMode{ColorBlackWhite, ColorColored}

// PrintSides lists the accepted print sides.
var PrintSides = []PrintSide{SideOne, SideBoth}

// Valid reports whether p is one of the known paper types.
func (p PaperType) Valid() bool {
	for _, v := range PaperTypes {
		if p == v {
			return true
		}
	}
	return false
}

// Valid reports whether c is one of the known color modes.
func (c ColorMode) Valid() bool {
	return c == ColorBlackWhite || c == ColorColored
}

// Valid reports whether s is one of the known print sides.
func (s PrintSide) Valid() bool {
	return s == SideOne || s == SideBoth
}

// PageAnalysis holds one flag per page, index 0 being the first physical
// page. A flag is true iff the page paints at least one raster image.
type PageAnalysis []bool

// Clone returns an independent copy.
func (a PageAnalysis) Clone() PageAnalysis {
	if a == nil {
		return nil
	}
	out := make(PageAnalysis, len(a))
	copy(out, a)
	return out
}

// ImagePages counts the image-bearing pages.
func (a PageAnalysis) ImagePages() int {
	n := 0
	for _, has := range a {
		if has {
			n++
		}
	}
	return n
}

// Settings are the user-editable print preferences of a record.
type Settings struct {
	PaperType PaperType `json:"paperType"`
	ColorMode ColorMode `json:"colorMode"`
	PrintSide PrintSide `json:"printSide"`
	Copies    int       `json:"copies"`
}

// DefaultSettings returns the settings every new record starts with.
func DefaultSettings() Settings {
	return Settings{
		PaperType: PaperA4,
		ColorMode: ColorBlackWhite,
		PrintSide: SideOne,
		Copies:    1,
	}
}

// FileInfo describes the uploaded file as the client reported it.
type FileInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	MIMEType     string    `json:"type"`
	LastModified time.Time `json:"lastModified"`
}

// Record is one uploaded document with its settings and computed cost.
type Record struct {
	ID             int64        `json:"id"`
	Document       []byte       `json:"-"`
	PreviewHandle  string       `json:"preview,omitempty"`
	File           FileInfo     `json:"file"`
	PageCount      int          `json:"totalPages"`
	Pages          PageAnalysis `json:"pagesWithImages"`
	Settings       Settings     `json:"settings"`
	TotalPrintCost float64      `json:"totalPrintCost"`
}

// Clone returns a copy that shares no mutable state with r.
// The document bytes are shared; they are never written after upload.
func (r Record) Clone() Record {
	r.Pages = r.Pages.Clone()
	return r
}

// Field names a single editable attribute of a record.
type Field string

const (
	FieldPaperType Field = "paperType"
	FieldColorMode Field = "colorMode"
	FieldPrintSide Field = "printSide"
	FieldCopies    Field = "copies"
	FieldName      Field = "name"
)

// AffectsPrice reports whether changing f requires a cost recompute.
func (f Field) AffectsPrice() bool {
	switch f {
	case FieldPaperType, FieldColorMode, FieldCopies:
		return true
	}
	return false
}
