package analyzer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/local/printcost/internal/printjob"
)

func init() {
	// pdfcpu otherwise writes a config.yml under the user's config dir on first use.
	api.DisableConfigDir()
}

type pdfcpuBackend struct{}

func (pdfcpuBackend) name() string { return ModePDFCPU }

func (pdfcpuBackend) analyze(ctx context.Context, doc []byte) (Result, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pctx, err := api.ReadContext(bytes.NewReader(doc), conf)
	if err != nil {
		return Result{}, fmt.Errorf("read: %w", err)
	}
	if err := pctx.EnsurePageCount(); err != nil {
		return Result{}, fmt.Errorf("page count: %w", err)
	}
	n := pctx.PageCount
	if n < 0 {
		return Result{}, fmt.Errorf("negative page count %d", n)
	}

	res := Result{PageCount: n, Pages: make(printjob.PageAnalysis, n)}
	for p := 1; p <= n; p++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		has, err := pdfcpuPageHasImage(pctx, p)
		if err != nil {
			res.DegradedPages = append(res.DegradedPages, p)
			continue
		}
		res.Pages[p-1] = has
	}
	return res, nil
}

func pdfcpuPageHasImage(pctx *model.Context, pageNr int) (bool, error) {
	d, _, inh, err := pctx.PageDict(pageNr, false)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, fmt.Errorf("page %d: missing page dict", pageNr)
	}

	var resDict types.Dict
	if o, ok := d.Find("Resources"); ok {
		if resDict, err = pctx.DereferenceDict(o); err != nil {
			return false, err
		}
	} else if inh != nil {
		resDict = inh.Resources
	}
	xres, err := newPDFCPUResources(pctx, resDict, nil)
	if err != nil {
		return false, err
	}

	content, err := pdfcpuContents(pctx, d)
	if err != nil {
		return false, err
	}
	return classifyContent(content, xres, 0)
}

// pdfcpuContents concatenates the page's content streams. A page without
// /Contents is blank.
func pdfcpuContents(pctx *model.Context, d types.Dict) ([]byte, error) {
	o, ok := d.Find("Contents")
	if !ok || o == nil {
		return nil, nil
	}
	o, err := pctx.Dereference(o)
	if err != nil {
		return nil, err
	}
	switch obj := o.(type) {
	case types.StreamDict:
		if err := obj.Decode(); err != nil {
			return nil, err
		}
		return obj.Content, nil
	case types.Array:
		var buf bytes.Buffer
		for _, e := range obj {
			sd, _, err := pctx.DereferenceStreamDict(e)
			if err != nil {
				return nil, err
			}
			if sd == nil {
				continue
			}
			if err := sd.Decode(); err != nil {
				return nil, err
			}
			buf.Write(sd.Content)
			buf.WriteByte('\n')
		}
		return buf.Bytes(), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected /Contents type %T", o)
	}
}

type pdfcpuResources struct {
	pctx  *model.Context
	xobjs types.Dict
}

// newPDFCPUResources resolves the /XObject map of res. When res is nil the
// parent's map is inherited, as for Form XObjects without own resources.
func newPDFCPUResources(pctx *model.Context, res types.Dict, parent *pdfcpuResources) (*pdfcpuResources, error) {
	if res == nil {
		if parent != nil {
			return parent, nil
		}
		return &pdfcpuResources{pctx: pctx}, nil
	}
	r := &pdfcpuResources{pctx: pctx}
	if o, ok := res.Find("XObject"); ok {
		d, err := pctx.DereferenceDict(o)
		if err != nil {
			return nil, err
		}
		r.xobjs = d
	}
	return r, nil
}

func (r *pdfcpuResources) xobject(name string) (string, pageClassifier, []byte, error) {
	if r.xobjs == nil {
		return "", nil, nil, nil
	}
	o, ok := r.xobjs.Find(name)
	if !ok {
		return "", nil, nil, nil
	}
	sd, _, err := r.pctx.DereferenceStreamDict(o)
	if err != nil {
		return "", nil, nil, err
	}
	if sd == nil {
		return "", nil, nil, nil
	}
	st := sd.Subtype()
	if st == nil {
		return "", nil, nil, nil
	}
	switch *st {
	case "Image":
		return "Image", nil, nil, nil
	case "Form":
		if err := sd.Decode(); err != nil {
			return "", nil, nil, err
		}
		var formRes types.Dict
		if o, ok := sd.Find("Resources"); ok {
			if formRes, err = r.pctx.DereferenceDict(o); err != nil {
				return "", nil, nil, err
			}
		}
		sub, err := newPDFCPUResources(r.pctx, formRes, r)
		if err != nil {
			return "", nil, nil, err
		}
		return "Form", sub, sd.Content, nil
	}
	return "", nil, nil, nil
}
