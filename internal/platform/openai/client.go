package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mythoria-pt/story-generation-workflow/internal/platform/envutil"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

// TextRequest is one turn against the Responses API. Setting
// PreviousResponseID resumes the stored conversation server-side; leaving it
// empty starts a fresh, stateless exchange.
type TextRequest struct {
	Instructions       string
	Input              string
	PreviousResponseID string
}

type TextResult struct {
	Text       string
	ResponseID string
}

type ImageGeneration struct {
	Bytes    []byte
	MimeType string
}

// Client is the OpenAI API surface the step services use.
type Client interface {
	GenerateText(ctx context.Context, req TextRequest) (TextResult, error)
	GenerateImage(ctx context.Context, prompt string) (ImageGeneration, error)
	GenerateSpeech(ctx context.Context, text string, voice string) ([]byte, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	imageModel string
	ttsModel   string
	httpClient *http.Client
	maxRetries int
}

func NewClient(log *logger.Logger) (Client, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	timeoutSec := envutil.Int("OPENAI_TIMEOUT_SECONDS", 180)
	return &client{
		log:        log.With("service", "OpenAIClient"),
		baseURL:    envutil.String("OPENAI_BASE_URL", "https://api.openai.com"),
		apiKey:     apiKey,
		model:      envutil.String("OPENAI_MODEL", "gpt-4.1"),
		imageModel: envutil.String("OPENAI_IMAGE_MODEL", "gpt-image-1"),
		ttsModel:   envutil.String("OPENAI_TTS_MODEL", "gpt-4o-mini-tts"),
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: envutil.Int("OPENAI_MAX_RETRIES", 4),
	}, nil
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

func isRetryableHTTP(code int) bool {
	return code == 408 || code == 429 || (code >= 500 && code <= 599)
}

func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var he *httpError
	if errors.As(err, &he) {
		return isRetryableHTTP(he.StatusCode)
	}
	return false
}

// +/- 20% jitter around the base backoff.
func jitterSleep(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delta := base.Seconds() * 0.2
	low := base.Seconds() - delta
	v := low + rand.Float64()*(2*delta)
	return time.Duration(v * float64(time.Second))
}

func (c *client) doJSON(ctx context.Context, path string, body any, out any) error {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitterSleep(backoff)):
			}
			backoff *= 2
		}
		raw, err := c.doOnce(ctx, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			return json.Unmarshal(raw, out)
		}
		lastErr = err
		if !isRetryableErr(err) {
			return err
		}
		c.log.Warn("openai call failed, retrying", "path", path, "attempt", attempt+1, "error", err)
	}
	return lastErr
}

func (c *client) doOnce(ctx context.Context, path string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	return raw, nil
}

type responsesRequest struct {
	Model              string `json:"model"`
	Instructions       string `json:"instructions,omitempty"`
	Input              string `json:"input"`
	PreviousResponseID string `json:"previous_response_id,omitempty"`
	Store              bool   `json:"store"`
}

type responsesResponse struct {
	ID     string `json:"id"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

func (c *client) GenerateText(ctx context.Context, req TextRequest) (TextResult, error) {
	body := responsesRequest{
		Model:              c.model,
		Instructions:       req.Instructions,
		Input:              req.Input,
		PreviousResponseID: req.PreviousResponseID,
		Store:              true,
	}
	var resp responsesResponse
	if err := c.doJSON(ctx, "/v1/responses", body, &resp); err != nil {
		return TextResult{}, err
	}
	var sb strings.Builder
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				sb.WriteString(part.Text)
			}
		}
	}
	return TextResult{Text: strings.TrimSpace(sb.String()), ResponseID: resp.ID}, nil
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

func (c *client) GenerateImage(ctx context.Context, prompt string) (ImageGeneration, error) {
	body := imageRequest{Model: c.imageModel, Prompt: prompt, Size: envutil.String("OPENAI_IMAGE_SIZE", "1024x1536")}
	var resp imageResponse
	if err := c.doJSON(ctx, "/v1/images/generations", body, &resp); err != nil {
		return ImageGeneration{}, err
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return ImageGeneration{}, fmt.Errorf("image generation returned no data")
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return ImageGeneration{}, fmt.Errorf("decode image payload: %w", err)
	}
	return ImageGeneration{Bytes: raw, MimeType: "image/png"}, nil
}

type speechRequest struct {
	Model  string `json:"model"`
	Input  string `json:"input"`
	Voice  string `json:"voice"`
	Format string `json:"response_format"`
}

func (c *client) GenerateSpeech(ctx context.Context, text string, voice string) ([]byte, error) {
	if voice == "" {
		voice = envutil.String("OPENAI_TTS_VOICE", "nova")
	}
	body := speechRequest{Model: c.ttsModel, Input: text, Voice: voice, Format: "mp3"}

	// speech returns raw audio, not JSON; handled outside doJSON
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitterSleep(backoff)):
			}
			backoff *= 2
		}
		raw, err := c.doOnce(ctx, "/v1/audio/speech", body)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !isRetryableErr(err) {
			return nil, err
		}
		c.log.Warn("openai speech call failed, retrying", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
