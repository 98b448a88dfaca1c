package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

const (
	pdfMIMEType = "application/pdf"

	ocrInstruction = "You transcribe scanned student answers. Return only the text of the document, in reading order, " +
		"without commentary, headings you invented or markdown. Return an empty reply when the document has no text."
)

// GeminiOCRConfig configures the Gemini-backed PDF reader. Endpoint overrides
// the API host, mostly for tests.
type GeminiOCRConfig struct {
	APIKey   string
	Model    string
	Endpoint string
	MaxBytes int
	Logger   zerolog.Logger
}

// GeminiOCR reads PDF answers, scanned or digital, by sending them to a Gemini model.
type GeminiOCR struct {
	client   *genai.Client
	model    *genai.GenerativeModel
	maxBytes int
	logger   zerolog.Logger
}

// NewGeminiOCR creates the client once; release it with Close.
func NewGeminiOCR(ctx context.Context, cfg GeminiOCRConfig) (*GeminiOCR, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}

	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.SetTemperature(0)
	model.ResponseMIMEType = "text/plain"
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ocrInstruction)},
	}

	return &GeminiOCR{
		client:   client,
		model:    model,
		maxBytes: cfg.MaxBytes,
		logger:   cfg.Logger.With().Str("component", "gemini_ocr").Logger(),
	}, nil
}

// Close releases the underlying client.
func (o *GeminiOCR) Close() error {
	return o.client.Close()
}

// Extract transcribes a PDF document.
func (o *GeminiOCR) Extract(ctx context.Context, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	if len(doc.Content) == 0 {
		return "", fmt.Errorf("%w: document is empty", ErrExtraction)
	}
	if len(doc.Content) > o.maxBytes {
		return "", fmt.Errorf("%w: document exceeds %d bytes", ErrExtraction, o.maxBytes)
	}
	if detected := mimetype.Detect(doc.Content); !detected.Is(pdfMIMEType) {
		return "", fmt.Errorf("%w: unsupported document type %s", ErrExtraction, detected.String())
	}

	resp, err := o.model.GenerateContent(ctx,
		genai.Text("Transcribe this document."),
		genai.Blob{MIMEType: pdfMIMEType, Data: doc.Content},
	)
	if err != nil {
		o.logger.Warn().Err(err).Str("file_name", doc.FileName).Msg("ocr request failed")
		return "", fmt.Errorf("%w: ocr request: %v", ErrExtraction, err)
	}

	text := strings.Join(strings.Fields(firstCandidateText(resp)), " ")
	if text == "" {
		return "", fmt.Errorf("%w: no text found in document", ErrExtraction)
	}
	return text, nil
}

// Supported reports whether content is a PDF.
func (o *GeminiOCR) Supported(content []byte) bool {
	return mimetype.Detect(content).Is(pdfMIMEType)
}

func firstCandidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		builder := strings.Builder{}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				builder.WriteString(string(text))
			}
		}
		if builder.Len() > 0 {
			return builder.String()
		}
	}
	return ""
}

// PDFExtractor is an extractor that can also say up front which content it reads.
type PDFExtractor interface {
	Extractor
	Sniffer
}

// DocumentExtractor sends PDFs to an OCR backend and everything else to the
// text extractor. Without an OCR backend it behaves exactly like the text extractor.
type DocumentExtractor struct {
	text *TextExtractor
	pdf  PDFExtractor
}

// NewDocumentExtractor combines the text extractor with an optional PDF reader.
func NewDocumentExtractor(text *TextExtractor, pdf PDFExtractor) *DocumentExtractor {
	if text == nil {
		text = NewTextExtractor(0)
	}
	return &DocumentExtractor{text: text, pdf: pdf}
}

// Extract routes the document by its detected type.
func (e *DocumentExtractor) Extract(ctx context.Context, doc Document) (string, error) {
	if e.pdf != nil && e.pdf.Supported(doc.Content) {
		return e.pdf.Extract(ctx, doc)
	}
	return e.text.Extract(ctx, doc)
}

// Supported accepts text and HTML, plus PDF when an OCR backend is configured.
func (e *DocumentExtractor) Supported(content []byte) bool {
	if e.text.Supported(content) {
		return true
	}
	return e.pdf != nil && e.pdf.Supported(content)
}
