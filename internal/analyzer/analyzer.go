package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/printcost/internal/metrics"
	"github.com/local/printcost/internal/printjob"
)

// Backend names accepted by New.
const (
	ModePDFCPU  = "pdfcpu"
	ModeLenient = "lenient"
	ModeAuto    = "auto"
)

// maxFormDepth bounds recursion into nested Form XObjects.
const maxFormDepth = 8

var ErrDocumentParse = errors.New("document_parse_error")

// ParseError reports input that is not a parseable PDF.
type ParseError struct {
	Backend string
	Reason  string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("document parse error (%s): %s: %v", e.Backend, e.Reason, e.Err)
	}
	return fmt.Sprintf("document parse error (%s): %s", e.Backend, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrDocumentParse }

// IsParseError reports whether err came from a document that could not be parsed.
func IsParseError(err error) bool { return errors.Is(err, ErrDocumentParse) }

// Result is the outcome of analyzing one document.
type Result struct {
	PageCount int
	Pages     printjob.PageAnalysis
	Backend   string
	// DegradedPages lists 1-based page numbers whose content could not be
	// decoded; they are counted as pages without images.
	DegradedPages []int
}

// backend parses a document and classifies its pages.
type backend interface {
	name() string
	analyze(ctx context.Context, doc []byte) (Result, error)
}

// Analyzer turns PDF bytes into a page count and per-page image flags.
// It holds no per-document state and is safe for concurrent use.
type Analyzer struct {
	backends []backend
}

// New returns an analyzer for mode: "pdfcpu", "lenient" or "auto"
// (pdfcpu first, lenient parser when pdfcpu rejects the document).
func New(mode string) (*Analyzer, error) {
	switch mode {
	case ModePDFCPU:
		return &Analyzer{backends: []backend{pdfcpuBackend{}}}, nil
	case ModeLenient:
		return &Analyzer{backends: []backend{lenientBackend{}}}, nil
	case ModeAuto, "":
		return &Analyzer{backends: []backend{pdfcpuBackend{}, lenientBackend{}}}, nil
	default:
		return nil, fmt.Errorf("unknown analyzer backend %q", mode)
	}
}

// CountPages returns the number of pages in doc.
func (a *Analyzer) CountPages(ctx context.Context, doc []byte) (int, error) {
	res, err := a.Analyze(ctx, doc)
	if err != nil {
		return 0, err
	}
	return res.PageCount, nil
}

// AnalyzePageImages returns one flag per page, in page order, true when
// the page paints a raster image.
func (a *Analyzer) AnalyzePageImages(ctx context.Context, doc []byte) (printjob.PageAnalysis, error) {
	res, err := a.Analyze(ctx, doc)
	if err != nil {
		return nil, err
	}
	return res.Pages, nil
}

// Analyze parses doc once and returns both the page count and page flags.
func (a *Analyzer) Analyze(ctx context.Context, doc []byte) (res Result, err error) {
	if len(doc) == 0 {
		return Result{}, &ParseError{Backend: "precheck", Reason: "empty document"}
	}
	if !hasPDFHeader(doc) {
		return Result{}, &ParseError{Backend: "precheck", Reason: "missing %PDF header"}
	}

	var errs []error
	for _, b := range a.backends {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		start := time.Now()
		res, err = runBackend(ctx, b, doc)
		if err == nil {
			metrics.ObserveAnalysis(b.name(), "ok", time.Since(start))
			images := res.Pages.ImagePages()
			metrics.AddPages("image", images)
			metrics.AddPages("text", res.PageCount-images)
			metrics.AddPages("degraded", len(res.DegradedPages))
			if len(res.DegradedPages) > 0 {
				log.Warn().Str("backend", b.name()).Ints("pages", res.DegradedPages).
					Msg("page content could not be decoded; counted as no image")
			}
			log.Debug().Str("backend", b.name()).Int("pages", res.PageCount).Int("image_pages", images).
				Dur("took", time.Since(start)).Msg("document analyzed")
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		metrics.ObserveAnalysis(b.name(), "parse_error", time.Since(start))
		log.Debug().Err(err).Str("backend", b.name()).Msg("backend rejected document")
		errs = append(errs, err)
	}
	last := a.backends[len(a.backends)-1].name()
	return Result{}, &ParseError{Backend: last, Reason: "unreadable PDF", Err: errors.Join(errs...)}
}

// runBackend converts a panic inside a third-party parser into an error.
func runBackend(ctx context.Context, b backend, doc []byte) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = fmt.Errorf("%s panicked: %v", b.name(), r)
		}
	}()
	res, err = b.analyze(ctx, doc)
	if err == nil {
		res.Backend = b.name()
		if len(res.Pages) != res.PageCount {
			return Result{}, fmt.Errorf("%s: %d flags for %d pages", b.name(), len(res.Pages), res.PageCount)
		}
	}
	return res, err
}

func hasPDFHeader(doc []byte) bool {
	head := doc
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, []byte("%PDF-"))
}

// pageClassifier is the per-backend lookup used by classifyContent.
type pageClassifier interface {
	// xobject resolves a name in the current resources. kind is "Image",
	// "Form" or "" when the name is missing or not an XObject.
	xobject(name string) (kind string, form pageClassifier, content []byte, err error)
}

// classifyContent reports whether content, resolved against res, paints a
// raster image either directly, inline, or through nested forms.
func classifyContent(content []byte, res pageClassifier, depth int) (bool, error) {
	ops, err := scanPaintOps(content)
	if err != nil {
		return false, err
	}
	if ops.Inline {
		return true, nil
	}
	if res == nil {
		return false, nil
	}
	// an unresolvable name does not hide an image painted later on the page
	var firstErr error
	for _, name := range ops.XObjects {
		kind, form, sub, err := res.xobject(name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		switch kind {
		case "Image":
			return true, nil
		case "Form":
			if depth >= maxFormDepth {
				continue
			}
			has, err := classifyContent(sub, form, depth+1)
			if has {
				return true, nil
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return false, firstErr
}
