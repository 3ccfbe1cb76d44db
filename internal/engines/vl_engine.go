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

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/PiKa919/paddle-ui/internal/domain"
)

const defaultVLPrompt = "Convert this document page to Markdown. Preserve reading order, headings, lists and tables."

// VLConfig points the vision-language engine at an OpenAI-compatible endpoint
type VLConfig struct {
	RemoteConfig
	Model  string
	Prompt string
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string            `json:"role"`
	Content []chatContentPart `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// VLResult is the per-file payload of a vision-language batch
type VLResult struct {
	Markdown string `json:"markdown"`
	FullText string `json:"full_text"`
	Model    string `json:"model"`
}

// VLEngine parses document images with a vision-language model
type VLEngine struct {
	cfg     VLConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewVLEngine creates a vision-language engine. version overrides the configured model.
func NewVLEngine(cfg VLConfig, version string, breaker BreakerConfig, logger *zap.Logger) (*VLEngine, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: vl endpoint is empty", domain.ErrEngineConfig)
	}
	if version != "" {
		cfg.Model = version
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: vl model is empty", domain.ErrEngineConfig)
	}
	if cfg.Prompt == "" {
		cfg.Prompt = defaultVLPrompt
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VLEngine{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: newBreaker("vl", breaker, logger),
		logger:  logger,
	}, nil
}

func (e *VLEngine) Kind() domain.JobKind { return domain.JobKindVL }

// Process sends one image to the model and returns its Markdown rendition
func (e *VLEngine) Process(ctx context.Context, path string) (any, error) {
	if err := checkInput(path, false); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}

	dataURL := "data:" + mimeType(path) + ";base64," + base64.StdEncoding.EncodeToString(raw)
	body, err := json.Marshal(chatRequest{
		Model: e.cfg.Model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContentPart{
				{Type: "text", Text: e.cfg.Prompt},
				{Type: "image_url", ImageURL: &chatImageURL{URL: dataURL}},
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	result, err := guarded(e.breaker, func() (*VLResult, error) {
		return e.call(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *VLEngine) call(ctx context.Context, body []byte) (*VLResult, error) {
	endpoint := strings.TrimRight(e.cfg.Endpoint, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vl request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read vl response: %w", err)
	}

	var parsed chatResponse
	decodeErr := json.Unmarshal(payload, &parsed)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("vl service returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, permanent(fmt.Errorf("vl service rejected file (status %d): %s", resp.StatusCode, msg))
	case decodeErr != nil:
		return nil, permanent(fmt.Errorf("decode vl response: %w", decodeErr))
	case len(parsed.Choices) == 0:
		return nil, permanent(fmt.Errorf("vl response has no choices"))
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	model := parsed.Model
	if model == "" {
		model = e.cfg.Model
	}
	return &VLResult{
		Markdown: content,
		FullText: content,
		Model:    model,
	}, nil
}

// Close releases idle connections
func (e *VLEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

var _ domain.DocumentEngine = (*VLEngine)(nil)
