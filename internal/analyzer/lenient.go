package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"

	"github.com/local/printcost/internal/printjob"
)

// lenientBackend reads documents pdfcpu refuses, typically ones with a
// damaged cross-reference section that ledongthuc/pdf still walks.
type lenientBackend struct{}

func (lenientBackend) name() string { return ModeLenient }

func (lenientBackend) analyze(ctx context.Context, doc []byte) (Result, error) {
	r, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	if err != nil {
		return Result{}, fmt.Errorf("open: %w", err)
	}
	n := r.NumPage()
	if n < 0 {
		return Result{}, fmt.Errorf("negative page count %d", n)
	}

	res := Result{PageCount: n, Pages: make(printjob.PageAnalysis, n)}
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		has, err := lenientPageHasImage(r, i)
		if err != nil {
			res.DegradedPages = append(res.DegradedPages, i)
			continue
		}
		res.Pages[i-1] = has
	}
	return res, nil
}

// lenientPageHasImage classifies one page. ledongthuc/pdf panics on
// malformed objects, so a panic here degrades the page only.
func lenientPageHasImage(r *pdf.Reader, i int) (has bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			has, err = false, fmt.Errorf("page %d: %v", i, rec)
		}
	}()
	p := r.Page(i)
	if p.V.IsNull() {
		return false, fmt.Errorf("page %d: missing page object", i)
	}
	content, err := lenientContents(p.V.Key("Contents"))
	if err != nil {
		return false, err
	}
	return classifyContent(content, lenientResources{xobjs: p.Resources().Key("XObject")}, 0)
}

func lenientContents(v pdf.Value) ([]byte, error) {
	switch v.Kind() {
	case pdf.Null:
		return nil, nil
	case pdf.Stream:
		return readStream(v)
	case pdf.Array:
		var buf bytes.Buffer
		for j := 0; j < v.Len(); j++ {
			b, err := readStream(v.Index(j))
			if err != nil {
				return nil, err
			}
			buf.Write(b)
			buf.WriteByte('\n')
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unexpected /Contents kind %v", v.Kind())
	}
}

func readStream(v pdf.Value) ([]byte, error) {
	if v.Kind() != pdf.Stream {
		return nil, fmt.Errorf("expected stream, got kind %v", v.Kind())
	}
	rc := v.Reader()
	defer rc.Close()
	return io.ReadAll(rc)
}

type lenientResources struct {
	xobjs pdf.Value
}

func (r lenientResources) xobject(name string) (string, pageClassifier, []byte, error) {
	if r.xobjs.Kind() != pdf.Dict {
		return "", nil, nil, nil
	}
	xo := r.xobjs.Key(name)
	if xo.Kind() != pdf.Stream {
		return "", nil, nil, nil
	}
	switch xo.Key("Subtype").Name() {
	case "Image":
		return "Image", nil, nil, nil
	case "Form":
		content, err := readStream(xo)
		if err != nil {
			return "", nil, nil, err
		}
		sub := r
		if own := xo.Key("Resources"); own.Kind() == pdf.Dict {
			sub = lenientResources{xobjs: own.Key("XObject")}
		}
		return "Form", sub, content, nil
	}
	return "", nil, nil, nil
}
