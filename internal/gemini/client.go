// Package gemini implements the OCR and speech-to-text capabilities on top of Google's
// Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/edgard/chatmirror/internal/errs"
)

// maxInlineBytes is the largest file sent inline with a request.
const maxInlineBytes = 20 << 20

// Result is recognized text plus the tag of the model that produced it.
type Result struct {
	Text  string
	Model string
}

// Config configures the capabilities.
type Config struct {
	APIKey     string
	OCRModel   string
	MaxRetries int
	RetryDelay time.Duration
}

// generator is the part of the genai SDK the client uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client provides OCR with the configured key and transcription with a per-call key.
// SDK clients are created lazily and cached per API key.
type Client struct {
	cfg Config
	log *slog.Logger

	newGenerator func(ctx context.Context, apiKey string) (generator, error)

	mu         sync.Mutex
	generators map[string]generator
}

// NewClient creates the capability client. No connection is made until first use.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Client{
		cfg:          cfg,
		log:          log.With("component", "gemini_client"),
		newGenerator: newSDKGenerator,
		generators:   make(map[string]generator),
	}
}

func newSDKGenerator(ctx context.Context, apiKey string) (generator, error) {
	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return gi.Models, nil
}

func (c *Client) generator(ctx context.Context, apiKey string) (generator, error) {
	if apiKey == "" {
		return nil, errs.ErrMissingAPIKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.generators[apiKey]; ok {
		return g, nil
	}
	g, err := c.newGenerator(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	c.generators[apiKey] = g
	return g, nil
}

// Recognize returns the text found in an image. An image without text yields an empty Result.Text.
func (c *Client) Recognize(ctx context.Context, path string, languages []string) (Result, error) {
	g, err := c.generator(ctx, c.cfg.APIKey)
	if err != nil {
		return Result{}, err
	}

	langs := "any"
	if len(languages) > 0 {
		langs = strings.Join(languages, ", ")
	}
	text, err := c.recognizeFile(ctx, g, c.cfg.OCRModel, path, fmt.Sprintf(OCRInstruction, langs))
	if err != nil {
		return Result{}, fmt.Errorf("ocr failed: %w", err)
	}
	return Result{Text: text, Model: ModelTag(c.cfg.OCRModel)}, nil
}

// Transcribe returns the transcript of an audio file. It fails with errs.ErrMissingAPIKey
// before reading the file when no key is given.
func (c *Client) Transcribe(ctx context.Context, path, apiKey, model, language string) (Result, error) {
	g, err := c.generator(ctx, apiKey)
	if err != nil {
		return Result{}, err
	}

	hint := language
	if hint == "" {
		hint = "auto-detect"
	}
	text, err := c.recognizeFile(ctx, g, model, path, fmt.Sprintf(ASRInstruction, hint))
	if err != nil {
		return Result{}, fmt.Errorf("transcription failed: %w", err)
	}
	return Result{Text: text, Model: ModelTag(model)}, nil
}

// ModelTag is the identifier recorded with extracted text.
func ModelTag(model string) string {
	return "gemini:" + model
}

func (c *Client) recognizeFile(ctx context.Context, g generator, model, path, instruction string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() > maxInlineBytes {
		return "", errs.NewPolicyError(fmt.Sprintf("%s is %d bytes, inline limit is %d", filepath.Base(path), info.Size(), maxInlineBytes), errs.ErrTooLarge)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(instruction),
			genai.NewPartFromBytes(data, detectMIME(path, data)),
		}, genai.RoleUser),
	}

	resp, err := c.generateContentWithRetries(ctx, g, model, contents, &genai.GenerateContentConfig{})
	if err != nil {
		return "", err
	}
	return c.extractText(ctx, resp)
}

func detectMIME(path string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		if mediaType, _, err := mime.ParseMediaType(t); err == nil {
			return mediaType
		}
	}
	t := http.DetectContentType(data)
	if mediaType, _, err := mime.ParseMediaType(t); err == nil {
		return mediaType
	}
	return "application/octet-stream"
}

func (c *Client) generateContentWithRetries(ctx context.Context, g generator, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var err error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		var resp *genai.GenerateContentResponse
		resp, err = g.GenerateContent(ctx, model, contents, cfg)
		if err == nil {
			return resp, nil
		}

		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503) && i < c.cfg.MaxRetries {
			c.log.InfoContext(ctx, "Retrying Gemini API call due to retriable APIError", "delay", c.cfg.RetryDelay, "code", apiErr.Code, "attempt", i+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
			continue
		}
		break
	}

	c.log.WarnContext(ctx, "Gemini API call failed", "model", model, "error", err)
	return nil, errs.NewTransientError("gemini API call failed", err)
}

// extractText returns the response text. A blocked prompt is an error; an explicit
// no-text reply is an empty result.
func (c *Client) extractText(ctx context.Context, resp *genai.GenerateContentResponse) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reasonMsg := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reasonMsg = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "Gemini request blocked", "reason", reasonMsg)
		return "", errs.NewPolicyError("blocked by safety filter: "+reasonMsg, nil)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonStop &&
			resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			return "", fmt.Errorf("no content, finish reason: %v", resp.Candidates[0].FinishReason)
		}
		return "", nil
	}

	text := strings.TrimSpace(resp.Text())
	if text == noTextMarker {
		return "", nil
	}
	return text, nil
}
