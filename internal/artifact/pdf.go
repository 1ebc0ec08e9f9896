// Package artifact inspects and post-processes generated print assets:
// illustrations are fitted to the trim size and exported PDFs are validated
// before a stage reports them as done.
package artifact

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDFInfo describes a validated print PDF.
type PDFInfo struct {
	Pages int
	Bytes int64
}

// InspectPDF validates a PDF and counts its pages.
func InspectPDF(r io.ReadSeeker) (PDFInfo, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	if err := api.Validate(r, conf); err != nil {
		return PDFInfo{}, fmt.Errorf("invalid PDF: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return PDFInfo{}, err
	}
	pages, err := api.PageCount(r, conf)
	if err != nil {
		return PDFInfo{}, fmt.Errorf("failed to get page count: %w", err)
	}
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return PDFInfo{}, err
	}
	return PDFInfo{Pages: pages, Bytes: size}, nil
}

// InspectPDFFile opens and inspects the PDF at path.
func InspectPDFFile(path string) (PDFInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return PDFInfo{}, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()
	return InspectPDF(f)
}

// InspectPDFBytes inspects an in-memory PDF.
func InspectPDFBytes(data []byte) (PDFInfo, error) {
	return InspectPDF(bytes.NewReader(data))
}
