// Package whisper is a client for an OpenAI-compatible speech-to-text
// transcription endpoint.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "whisper-1"
)

// Client transcribes recorded audio.
type Client interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResponse, error)
}

// TranscribeRequest describes one audio upload.
type TranscribeRequest struct {
	// Filename is sent as the multipart file name; its extension tells the
	// service the audio format.
	Filename string
	Audio    io.Reader
	Model    string
	Language string
	Prompt   string
}

// TranscribeResponse is the JSON response from POST /audio/transcriptions.
type TranscribeResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *httpClient) {
		c.model = model
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewClient creates a transcription client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResponse, error) {
	if req.Audio == nil {
		return nil, eris.New("whisper: no audio")
	}
	if req.Model == "" {
		req.Model = c.model
	}
	if req.Filename == "" {
		req.Filename = "command.wav"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(req.Filename))
	if err != nil {
		return nil, eris.Wrap(err, "whisper: create form file")
	}
	if _, err := io.Copy(part, req.Audio); err != nil {
		return nil, eris.Wrap(err, "whisper: copy audio")
	}
	fields := map[string]string{
		"model":           req.Model,
		"response_format": "json",
		"language":        req.Language,
		"prompt":          req.Prompt,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, eris.Wrapf(err, "whisper: write field %s", k)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, eris.Wrap(err, "whisper: close multipart")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return nil, eris.Wrap(err, "whisper: create request")
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "whisper: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "whisper: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("whisper: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var result TranscribeResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "whisper: unmarshal response")
	}

	return &result, nil
}
