// Package render turns one page of a document into a raster image via an
// external renderer. It is a thin boundary: callers treat a render failure as
// an unclassifiable (not-signed) document, never as a pass-fatal error.
package render

import (
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
)

// PageRenderer renders page number page (1-based) of the document at path.
// A document with zero renderable pages yields (nil, nil); corrupt or
// unreadable input yields an error.
type PageRenderer interface {
	RenderPage(path string, page int) (image.Image, error)
}

// FitzRenderer renders pages through MuPDF.
type FitzRenderer struct{}

func (FitzRenderer) RenderPage(path string, page int) (image.Image, error) {
	if page < 1 {
		return nil, fmt.Errorf("page number must be positive, got %d", page)
	}

	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("open document %s: %w", path, err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, nil
	}
	if page > doc.NumPage() {
		return nil, fmt.Errorf("document %s has %d pages, requested page %d", path, doc.NumPage(), page)
	}

	img, err := doc.Image(page - 1)
	if err != nil {
		return nil, fmt.Errorf("render page %d of %s: %w", page, path, err)
	}
	return img, nil
}
