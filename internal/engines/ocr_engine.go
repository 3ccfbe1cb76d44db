package engines

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"github.com/PiKa919/paddle-ui/internal/domain"
)

// ocrClient is the subset of *gosseract.Client the engine relies on
type ocrClient interface {
	SetImage(path string) error
	SetLanguage(langs ...string) error
	Text() (string, error)
	GetBoundingBoxes(level gosseract.PageIteratorLevel) ([]gosseract.BoundingBox, error)
	Close() error
}

// Recognition language codes mapped to Tesseract traineddata names
var tesseractLanguages = map[string]string{
	"ch":          "chi_sim",
	"en":          "eng",
	"chinese_cht": "chi_tra",
	"korean":      "kor",
	"japan":       "jpn",
	"arabic":      "ara",
	"latin":       "lat",
	"cyrillic":    "rus",
	"russian":     "rus",
	"devanagari":  "hin",
	"hi":          "hin",
	"mr":          "mar",
	"ta":          "tam",
	"te":          "tel",
	"ka":          "kan",
	"german":      "deu",
	"french":      "fra",
	"spanish":     "spa",
	"italian":     "ita",
	"portuguese":  "por",
}

var errEngineClosed = fmt.Errorf("%w: engine closed", domain.ErrEngineUnavailable)

var ocrVersions = map[string]bool{
	"":         true,
	"PP-OCRv5": true,
	"PP-OCRv4": true,
	"PP-OCRv3": true,
}

// TesseractLanguage resolves a recognition language code to a traineddata name.
// Traineddata names are accepted as-is.
func TesseractLanguage(lang string) (string, error) {
	lang = strings.TrimSpace(lang)
	if code, ok := tesseractLanguages[lang]; ok {
		return code, nil
	}
	for _, code := range tesseractLanguages {
		if code == lang {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported ocr language %q", domain.ErrEngineConfig, lang)
}

// OCRBox is one recognized word with its polygon
type OCRBox struct {
	Points     [][2]int `json:"points"`
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
}

// OCRText is one recognized word without geometry
type OCRText struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// OCRResult is the per-file payload of a text-recognition batch
type OCRResult struct {
	Boxes    []OCRBox  `json:"boxes"`
	Texts    []OCRText `json:"texts"`
	FullText string    `json:"full_text"`
}

// OCREngine recognizes text in images with Tesseract.
// A gosseract client is not safe for concurrent use, so calls are serialized.
type OCREngine struct {
	mu     sync.Mutex
	client ocrClient
	lang   string
	closed bool
}

// NewOCREngine creates an engine for the given recognition language
func NewOCREngine(lang string, version string) (*OCREngine, error) {
	return newOCREngine(gosseract.NewClient(), lang, version)
}

func newOCREngine(client ocrClient, lang string, version string) (*OCREngine, error) {
	if !ocrVersions[version] {
		client.Close()
		return nil, fmt.Errorf("%w: unsupported ocr version %q", domain.ErrEngineConfig, version)
	}
	code, err := TesseractLanguage(lang)
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := client.SetLanguage(code); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: set language %s: %v", domain.ErrEngineConfig, code, err)
	}
	return &OCREngine{client: client, lang: code}, nil
}

func (e *OCREngine) Kind() domain.JobKind { return domain.JobKindOCR }

// Process runs text recognition on a single image
func (e *OCREngine) Process(ctx context.Context, path string) (any, error) {
	if err := checkInput(path, false); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errEngineClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := e.client.SetImage(path); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}
	text, err := e.client.Text()
	if err != nil {
		return nil, fmt.Errorf("recognize text: %w", err)
	}

	result := &OCRResult{
		Boxes:    []OCRBox{},
		Texts:    []OCRText{},
		FullText: strings.TrimSpace(text),
	}

	boxes, err := e.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("bounding boxes: %w", err)
	}
	for _, b := range boxes {
		word := strings.TrimSpace(b.Word)
		if word == "" {
			continue
		}
		conf := b.Confidence / 100.0
		result.Boxes = append(result.Boxes, OCRBox{
			Points:     polygon(b.Box),
			Text:       word,
			Confidence: conf,
		})
		result.Texts = append(result.Texts, OCRText{Text: word, Confidence: conf})
	}

	return result, nil
}

// Close releases the Tesseract handle. The handle must not be touched
// afterwards, so later calls to Process fail and Close is idempotent.
func (e *OCREngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.client.Close()
}

// polygon returns the rectangle corners clockwise from top-left
func polygon(r image.Rectangle) [][2]int {
	return [][2]int{
		{r.Min.X, r.Min.Y},
		{r.Max.X, r.Min.Y},
		{r.Max.X, r.Max.Y},
		{r.Min.X, r.Max.Y},
	}
}

var _ domain.DocumentEngine = (*OCREngine)(nil)
