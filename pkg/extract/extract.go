package extract

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/microcosm-cc/bluemonday"
)

// ErrExtraction marks documents whose text could not be extracted.
var ErrExtraction = errors.New("extraction error")

// Document is an uploaded answer file.
type Document struct {
	FileName    string
	ContentType string
	Content     []byte
}

// Extractor turns a document into plain text. Implementations must be
// idempotent and free of side effects.
type Extractor interface {
	Extract(ctx context.Context, doc Document) (string, error)
}

// Sniffer reports up front whether content is a format an extractor can read.
type Sniffer interface {
	Supported(content []byte) bool
}

// TextExtractor handles plain-text and HTML documents.
type TextExtractor struct {
	sanitizer *bluemonday.Policy
	maxBytes  int
}

// NewTextExtractor builds an extractor that rejects documents above maxBytes (0 means 10 MiB).
func NewTextExtractor(maxBytes int) *TextExtractor {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &TextExtractor{
		sanitizer: bluemonday.StrictPolicy(),
		maxBytes:  maxBytes,
	}
}

// Extract returns whitespace-normalised text.
func (e *TextExtractor) Extract(ctx context.Context, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	if len(doc.Content) == 0 {
		return "", fmt.Errorf("%w: document is empty", ErrExtraction)
	}
	if len(doc.Content) > e.maxBytes {
		return "", fmt.Errorf("%w: document exceeds %d bytes", ErrExtraction, e.maxBytes)
	}

	detected := mimetype.Detect(doc.Content)

	var text string
	switch {
	case detected.Is("text/html"):
		text = html.UnescapeString(e.sanitizer.Sanitize(string(doc.Content)))
	case detected.Is("text/plain"):
		if !utf8.Valid(doc.Content) {
			return "", fmt.Errorf("%w: document is not valid utf-8", ErrExtraction)
		}
		text = string(doc.Content)
	default:
		return "", fmt.Errorf("%w: unsupported document type %s", ErrExtraction, detected.String())
	}

	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "", fmt.Errorf("%w: no text found in document", ErrExtraction)
	}

	return text, nil
}

// Supported reports whether the extractor can read the given content.
func (e *TextExtractor) Supported(content []byte) bool {
	detected := mimetype.Detect(content)
	return detected.Is("text/plain") || detected.Is("text/html")
}
