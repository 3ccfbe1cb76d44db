package engines

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/PiKa919/paddle-ui/internal/domain"
)

const (
	fileTypePDF   = 0
	fileTypeImage = 1

	maxResponseBytes = 64 << 20
)

// RemoteConfig points an engine at an HTTP inference service
type RemoteConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

type layoutParsingRequest struct {
	File     string `json:"file"`
	FileType int    `json:"fileType"`
	Lang     string `json:"lang,omitempty"`
}

type layoutParsingResponse struct {
	LogID     string `json:"logId"`
	ErrorCode int    `json:"errorCode"`
	ErrorMsg  string `json:"errorMsg"`
	Result    *struct {
		LayoutParsingResults []struct {
			PrunedResult json.RawMessage `json:"prunedResult"`
			Markdown     struct {
				Text string `json:"text"`
			} `json:"markdown"`
		} `json:"layoutParsingResults"`
	} `json:"result"`
}

// StructureResult is the per-file payload of a structure-parsing batch
type StructureResult struct {
	Pages    []json.RawMessage `json:"pages"`
	Markdown string            `json:"markdown"`
	LogID    string            `json:"log_id,omitempty"`
}

// StructureEngine parses document layout through a remote layout-parsing service
type StructureEngine struct {
	cfg     RemoteConfig
	lang    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewStructureEngine creates a structure engine bound to cfg.Endpoint
func NewStructureEngine(cfg RemoteConfig, lang string, breaker BreakerConfig, logger *zap.Logger) (*StructureEngine, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: structure endpoint is empty", domain.ErrEngineConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StructureEngine{
		cfg:     cfg,
		lang:    lang,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: newBreaker("structure", breaker, logger),
		logger:  logger,
	}, nil
}

func (e *StructureEngine) Kind() domain.JobKind { return domain.JobKindStructure }

// Process uploads one image or PDF and returns its parsed layout
func (e *StructureEngine) Process(ctx context.Context, path string) (any, error) {
	if err := checkInput(path, true); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}

	fileType := fileTypeImage
	if isPDF(path) {
		fileType = fileTypePDF
	}
	body, err := json.Marshal(layoutParsingRequest{
		File:     base64.StdEncoding.EncodeToString(raw),
		FileType: fileType,
		Lang:     e.lang,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	result, err := guarded(e.breaker, func() (*StructureResult, error) {
		return e.call(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *StructureEngine) call(ctx context.Context, body []byte) (*StructureResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("structure request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read structure response: %w", err)
	}

	var parsed layoutParsingResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("structure service returned %d", resp.StatusCode)
		}
		return nil, permanent(fmt.Errorf("decode structure response (status %d): %w", resp.StatusCode, err))
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("structure service returned %d: %s", resp.StatusCode, parsed.ErrorMsg)
	}
	if resp.StatusCode != http.StatusOK || parsed.ErrorCode != 0 {
		return nil, permanent(fmt.Errorf("structure service rejected file (status %d, code %d): %s",
			resp.StatusCode, parsed.ErrorCode, parsed.ErrorMsg))
	}
	if parsed.Result == nil {
		return nil, permanent(fmt.Errorf("structure response has no result"))
	}

	result := &StructureResult{
		Pages: make([]json.RawMessage, 0, len(parsed.Result.LayoutParsingResults)),
		LogID: parsed.LogID,
	}
	markdown := make([]string, 0, len(parsed.Result.LayoutParsingResults))
	for _, page := range parsed.Result.LayoutParsingResults {
		result.Pages = append(result.Pages, page.PrunedResult)
		if page.Markdown.Text != "" {
			markdown = append(markdown, page.Markdown.Text)
		}
	}
	result.Markdown = strings.Join(markdown, "\n\n")

	e.logger.Debug("structure parsed",
		zap.String("log_id", parsed.LogID),
		zap.Int("pages", len(result.Pages)),
	)
	return result, nil
}

// Close releases idle connections
func (e *StructureEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

var _ domain.DocumentEngine = (*StructureEngine)(nil)
