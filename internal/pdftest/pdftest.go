// Package pdftest builds small, well-formed PDF documents in memory so
// analyzer and API tests do not depend on binary fixtures.
package pdftest

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// XObject is an entry of a resource dictionary's /XObject map.
// Image XObjects are 1x1 grayscale rasters; anything else is a Form.
type XObject struct {
	Image    bool
	Content  string
	XObjects map[string]XObject
}

// Page is a single page: its raw content stream and the XObjects it can paint.
type Page struct {
	Content  string
	XObjects map[string]XObject
}

// TextPage draws a line of text and nothing else.
func TextPage() Page {
	return Page{Content: "BT /F1 12 Tf 72 720 Td (Quarterly report, page text only) Tj ET"}
}

// VectorPage fills a rectangle; vector art is not a raster image.
func VectorPage() Page {
	return Page{Content: "q 0 0 1 rg 72 72 200 200 re f Q BT /F1 10 Tf 72 40 Td (Chart) Tj ET"}
}

// ImagePage places one Image XObject.
func ImagePage() Page {
	return Page{
		Content:  "q 200 0 0 100 72 600 cm /Im1 Do Q BT /F1 12 Tf 72 500 Td (Caption) Tj ET",
		XObjects: map[string]XObject{"Im1": {Image: true}},
	}
}

// InlineImagePage embeds an inline image (BI ... ID ... EI).
func InlineImagePage() Page {
	return Page{Content: "q 10 0 0 10 72 72 cm BI /W 1 /H 1 /CS /G /BPC 8 ID \x80 EI Q"}
}

// FormImagePage paints a Form XObject which itself paints an image.
func FormImagePage() Page {
	return Page{
		Content: "q /Fm1 Do Q",
		XObjects: map[string]XObject{
			"Fm1": {
				Content:  "q 50 0 0 50 0 0 cm /Im7 Do Q",
				XObjects: map[string]XObject{"Im7": {Image: true}},
			},
		},
	}
}

// FormVectorPage paints a Form XObject holding only vector art.
func FormVectorPage() Page {
	return Page{
		Content:  "/Fm1 Do",
		XObjects: map[string]XObject{"Fm1": {Content: "0 0 100 100 re S"}},
	}
}

// MissingImagePage references an XObject that the resources do not define.
func MissingImagePage() Page {
	return Page{Content: "q /Im9 Do Q"}
}

// MalformedContentPage carries a content stream that cannot be tokenized.
func MalformedContentPage() Page {
	return Page{
		Content:  "q /Im1 Do Q BT (never closed",
		XObjects: map[string]XObject{"Im1": {Image: true}},
	}
}

// DecoyPage mentions image operators only inside a string literal.
func DecoyPage() Page {
	return Page{Content: "BT /F1 12 Tf 72 720 Td (/Im1 Do and BI ID EI) Tj ET"}
}

type builder struct {
	objs []string
}

func (b *builder) alloc() int {
	b.objs = append(b.objs, "")
	return len(b.objs)
}

func (b *builder) set(n int, body string) { b.objs[n-1] = body }

func stream(dict, data string) string {
	return fmt.Sprintf("<< %s /Length %d >>\nstream\n%s\nendstream", dict, len(data), data)
}

func sortedNames(m map[string]XObject) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (b *builder) xobjects(m map[string]XObject) string {
	if len(m) == 0 {
		return ""
	}
	var sb bytes.Buffer
	sb.WriteString("/XObject << ")
	for _, name := range sortedNames(m) {
		xo := m[name]
		n := b.alloc()
		if xo.Image {
			b.set(n, stream("/Type /XObject /Subtype /Image /Width 1 /Height 1 /ColorSpace /DeviceGray /BitsPerComponent 8", "\x80"))
		} else {
			inner := b.xobjects(xo.XObjects)
			b.set(n, stream(fmt.Sprintf("/Type /XObject /Subtype /Form /BBox [0 0 100 100] /Resources << %s >>", inner), xo.Content))
		}
		fmt.Fprintf(&sb, "/%s %d 0 R ", name, n)
	}
	sb.WriteString(">>")
	return sb.String()
}

// Build assembles a PDF with the given pages and a valid xref table.
func Build(pages ...Page) []byte {
	b := &builder{}
	catalog := b.alloc()
	tree := b.alloc()
	font := b.alloc()
	b.set(catalog, fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R >>", tree))
	b.set(font, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")

	kids := make([]int, 0, len(pages))
	for _, p := range pages {
		pn := b.alloc()
		cn := b.alloc()
		kids = append(kids, pn)
		xo := b.xobjects(p.XObjects)
		b.set(pn, fmt.Sprintf("<< /Type /Page /Parent %d 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 %d 0 R >> %s >> /Contents %d 0 R >>",
			tree, font, xo, cn))
		b.set(cn, stream("", p.Content))
	}
	var kb bytes.Buffer
	for _, k := range kids {
		fmt.Fprintf(&kb, "%d 0 R ", k)
	}
	b.set(tree, fmt.Sprintf("<< /Type /Pages /Kids [ %s] /Count %d >>", kb.String(), len(kids)))

	var out bytes.Buffer
	out.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")
	offsets := make([]int, len(b.objs))
	for i, body := range b.objs {
		offsets[i] = out.Len()
		fmt.Fprintf(&out, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := out.Len()
	fmt.Fprintf(&out, "xref\n0 %d\n", len(b.objs)+1)
	out.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&out, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&out, "trailer\n<< /Size %d /Root %d 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(b.objs)+1, catalog, xref)
	return out.Bytes()
}

// Truncate cuts doc to its first n bytes.
func Truncate(doc []byte, n int) []byte {
	if n > len(doc) {
		n = len(doc)
	}
	out := make([]byte, n)
	copy(out, doc[:n])
	return out
}

// NotAPDF returns bytes that carry no PDF header at all.
func NotAPDF() []byte {
	return []byte("PK\x03\x04 this is a zip archive, not a document")
}

// CorruptBody keeps a valid header but replaces everything after it with noise.
func CorruptBody() []byte {
	return []byte("%PDF-1.7\n1 0 obj << /Type /Catalog /Pages 9 0 R\nxref garbage\nstartxref\n99999\n%%EOF\n")
}

// Encrypted seals doc with AES-256 so it cannot be opened without userPW.
func Encrypted(doc []byte, userPW string) ([]byte, error) {
	api.DisableConfigDir()
	conf := model.NewAESConfiguration(userPW, userPW+"-owner", 256)
	conf.ValidationMode = model.ValidationRelaxed
	var out bytes.Buffer
	if err := api.Encrypt(bytes.NewReader(doc), &out, conf); err != nil {
		return nil, fmt.Errorf("encrypt fixture: %w", err)
	}
	return out.Bytes(), nil
}
