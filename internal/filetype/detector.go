package filetype

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

const MIMEPDF = "application/pdf"

// FileTypeInfo contains detected file type information
type FileTypeInfo struct {
	MIMEType    string
	Extension   string
	Supported   bool
	Description string
}

// Detector handles file type detection using magic bytes
type Detector struct{}

// New creates a new file type detector
func New() *Detector {
	return &Detector{}
}

// DetectBytes detects the file type of an upload from its content, not its
// name. The name is only used for logging and for the mismatch warning.
func (d *Detector) DetectBytes(data []byte, name string) *FileTypeInfo {
	mtype := mimetype.Detect(data)
	info := &FileTypeInfo{
		MIMEType:  mtype.String(),
		Extension: mtype.Extension(),
	}
	// mimetype appends parameters for some text types ("text/plain; charset=utf-8")
	if i := strings.IndexByte(info.MIMEType, ';'); i >= 0 {
		info.MIMEType = strings.TrimSpace(info.MIMEType[:i])
	}
	d.classify(info)

	ext := strings.ToLower(filepath.Ext(name))
	log.Debug().Str("mime", info.MIMEType).Str("ext", info.Extension).Str("file", name).Msg("detected file type")
	if ext == ".pdf" && !info.Supported {
		log.Warn().Str("file", name).Str("mime", info.MIMEType).Msg("file named .pdf is not a PDF")
	}
	return info
}

// classify decides whether the detected type can be priced
func (d *Detector) classify(info *FileTypeInfo) {
	mimeType := info.MIMEType

	switch {
	case mimeType == MIMEPDF:
		info.Supported = true
		info.Description = "PDF document"

	case strings.HasPrefix(mimeType, "image/"):
		info.Description = "Image file; export it to PDF before uploading"

	case mimeType == "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		mimeType == "application/msword",
		mimeType == "application/vnd.oasis.opendocument.text",
		mimeType == "application/rtf":
		info.Description = "Word processing document; export it to PDF before uploading"

	case mimeType == "application/zip":
		info.Description = "ZIP archive"

	case strings.HasPrefix(mimeType, "text/"):
		info.Description = "Plain text file"

	default:
		info.Description = fmt.Sprintf("Unsupported file type: %s", mimeType)
	}
}

// IsPDF reports whether data is a PDF by magic bytes.
func (d *Detector) IsPDF(data []byte) bool {
	return mimetype.Detect(data).Is(MIMEPDF)
}
