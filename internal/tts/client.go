// Package tts talks to the standalone TTS inference service. The service
// owns the model weights and the accelerator; this package loads a model
// for a batch, conditions it on a voice sample and renders chunks.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/audiobook-pipeline/internal/core"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"
	apiModelLoad      = "/v1/model/load"
	apiModelCondition = "/v1/model/condition"
	apiModelUnload    = "/v1/model/unload"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

const defaultLanguage = "en"

// Error messages.
const (
	errUnexpectedContentType   = "unexpected content type: expected audio/wav, got %s"
	errFmtServiceErrorWithCode = "TTS service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "TTS service returned non-OK status: %s, body: %s"
)

var (
	// ErrTextEmpty indicates a synthesis request without text.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrEmptyAudio indicates a successful response without audio.
	ErrEmptyAudio = errors.New("received empty audio data")
)

// HTTPClient is a client for the TTS inference service.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// TTSRequest is the JSON payload of a synthesis request.
type TTSRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Device   string `json:"device,omitempty"`

	Exaggeration      float64 `json:"exaggeration"`
	CFGWeight         float64 `json:"cfg_weight"`
	Temperature       float64 `json:"temperature"`
	MinP              float64 `json:"min_p"`
	TopP              float64 `json:"top_p"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
}

// ModelRequest is the JSON payload of the model lifecycle endpoints.
type ModelRequest struct {
	Device         string `json:"device,omitempty"`
	SpeakerRefPath string `json:"speaker_ref_path,omitempty"`
}

// TTSErrorResponse is a structured error returned by the service.
type TTSErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPClient creates a client for the service at baseURL
// (e.g. "http://localhost:8000"). The timeout applies to every request.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewRequest builds a synthesis request from text and sampling parameters.
func NewRequest(text, language, device string, params core.TTSParams) TTSRequest {
	return TTSRequest{
		Text:              text,
		Language:          language,
		Device:            device,
		Exaggeration:      params.Exaggeration,
		CFGWeight:         params.CFGWeight,
		Temperature:       params.Temperature,
		MinP:              params.MinP,
		TopP:              params.TopP,
		RepetitionPenalty: params.RepetitionPenalty,
	}
}

// GenerateSpeech renders req and returns WAV bytes.
func (c *HTTPClient) GenerateSpeech(ctx context.Context, req TTSRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrTextEmpty
	}

	if req.Language == "" {
		req.Language = defaultLanguage
	}

	resp, err := c.post(ctx, apiGenerateSpeech, req, contentTypeWAV)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if !strings.HasPrefix(contentType, contentTypeWAV) {
		return nil, fmt.Errorf(errUnexpectedContentType, contentType)
	}

	audioData, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", readErr)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

// LoadModel asks the service to load the model onto device.
func (c *HTTPClient) LoadModel(ctx context.Context, device string) error {
	return c.lifecycle(ctx, apiModelLoad, ModelRequest{Device: device})
}

// ConditionModel conditions the loaded model on a voice sample.
func (c *HTTPClient) ConditionModel(ctx context.Context, device, speakerRefPath string) error {
	return c.lifecycle(ctx, apiModelCondition, ModelRequest{Device: device, SpeakerRefPath: speakerRefPath})
}

// UnloadModel releases the model and its device memory.
func (c *HTTPClient) UnloadModel(ctx context.Context, device string) error {
	return c.lifecycle(ctx, apiModelUnload, ModelRequest{Device: device})
}

// HealthCheck verifies that the service is running.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

func (c *HTTPClient) lifecycle(ctx context.Context, path string, payload ModelRequest) error {
	resp, err := c.post(ctx, path, payload, contentTypeJSON)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.parseErrorResponse(resp)
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any, accept string) (*http.Response, error) {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, accept)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to TTS service at %s: %w", c.baseURL, err)
	}

	return resp, nil
}

// parseErrorResponse decodes a structured error, falling back to the raw body.
func (c *HTTPClient) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp TTSErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, resp.Status, string(body))
}
