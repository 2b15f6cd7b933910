// Package ai answers questions about extracted document text via the
// Google AI Studio (Gemini) generateContent API.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-1.5-pro-latest"

	// answerContentLimit bounds document text in the prompt to respect the
	// provider's input-token limits.
	answerContentLimit  = 8000
	summaryContentLimit = 6000

	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
)

const systemPrompt = `You are DocGenius, an AI assistant specialized in document analysis and question answering.

Guidelines:
- Always base your answers on the provided document content
- If information is not in the document, clearly state this
- Use clear, professional language and structure responses logically
- Be concise but comprehensive`

// APIError is a provider failure mapped to an HTTP status for the handler tier.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ai service error (%d): %s", e.Status, e.Message)
}

// Context carries request metadata folded into the prompt and logs.
type Context struct {
	FileName string
	UserID   string
}

// Answer is a generated response plus its metadata.
type Answer struct {
	Text          string
	Model         string
	TokenEstimate int
}

// Client calls the generation endpoint with bounded retry on rate limits.
type Client struct {
	apiKey      string
	model       string
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
	baseDelay   time.Duration
}

// Option adjusts client construction.
type Option func(*Client)

// WithBaseURL points the client at a different endpoint, used by tests.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithRetry tunes the rate-limit retry budget and backoff base delay.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
		if baseDelay > 0 {
			c.baseDelay = baseDelay
		}
	}
}

// NewClient constructs a client with the provided API key and model.
func NewClient(apiKey, model string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	model = strings.TrimSpace(strings.TrimPrefix(model, "models/"))
	if model == "" {
		model = defaultModel
	}
	c := &Client{
		apiKey:      apiKey,
		model:       model,
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model returns the configured generation model name.
func (c *Client) Model() string { return c.model }

// Answer generates an answer about the document text. Empty document text or
// question fail fast before any network call.
func (c *Client) Answer(ctx context.Context, docText, question string, reqCtx Context) (Answer, error) {
	if strings.TrimSpace(docText) == "" {
		return Answer{}, &APIError{Status: http.StatusBadRequest, Message: "document content is empty"}
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, &APIError{Status: http.StatusBadRequest, Message: "question cannot be empty"}
	}
	fileName := reqCtx.FileName
	if fileName == "" {
		fileName = "Unknown Document"
	}
	prompt := fmt.Sprintf(`Document Analysis Request

Document: %s
Content:
%s

Question: %s

Please analyze the document and provide a comprehensive answer to the question based on the content above.`,
		fileName, truncate(docText, answerContentLimit), question)

	text, err := c.generate(ctx, prompt)
	if err != nil {
		return Answer{}, err
	}
	return Answer{
		Text:          text,
		Model:         c.model,
		TokenEstimate: (len(prompt) + len(text)) / 4,
	}, nil
}

// Summarize produces a short summary of the document text.
func (c *Client) Summarize(ctx context.Context, docText string, maxWords int) (string, error) {
	if strings.TrimSpace(docText) == "" {
		return "", &APIError{Status: http.StatusBadRequest, Message: "document content is empty"}
	}
	if maxWords <= 0 {
		maxWords = 200
	}
	prompt := fmt.Sprintf(`Please provide a concise summary of the following document in approximately %d words:

%s

Focus on the key points, main topics, and important information.`,
		maxWords, truncate(docText, summaryContentLimit))
	return c.generate(ctx, prompt)
}

// KeyPoints extracts the n most important points as a numbered list.
func (c *Client) KeyPoints(ctx context.Context, docText string, n int) (string, error) {
	if strings.TrimSpace(docText) == "" {
		return "", &APIError{Status: http.StatusBadRequest, Message: "document content is empty"}
	}
	if n <= 0 {
		n = 5
	}
	prompt := fmt.Sprintf(`Analyze the following document and extract the %d most important key points:

%s

Format the response as a numbered list of key points.`,
		n, truncate(docText, summaryContentLimit))
	return c.generate(ctx, prompt)
}

// generate performs the provider call, retrying on rate limits with
// exponential backoff, and returns the first candidate's trimmed text.
func (c *Client) generate(ctx context.Context, userPrompt string) (string, error) {
	reqBody := generateRequest{
		Contents: []content{
			{Role: "user", Parts: []part{{Text: userPrompt}}},
		},
		SystemInstruction: &content{Parts: []part{{Text: systemPrompt}}},
		GenerationConfig: &generationConfig{
			Temperature:     0.3,
			TopP:            0.8,
			TopK:            40,
			MaxOutputTokens: 2048,
		},
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	var resp generateResponse
	for attempt := 0; ; attempt++ {
		err := c.doJSON(ctx, url, reqBody, &resp)
		if err == nil {
			break
		}
		apiErr, ok := err.(*APIError)
		if !ok || apiErr.Status != http.StatusTooManyRequests {
			return "", err
		}
		if attempt >= c.maxAttempts-1 {
			return "", &APIError{
				Status:  http.StatusTooManyRequests,
				Message: "rate limit exceeded, please try again later",
			}
		}
		if err := sleep(ctx, c.baseDelay*(1<<attempt)); err != nil {
			return "", err
		}
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", &APIError{Status: http.StatusInternalServerError, Message: "empty response from model"}
	}
	text := strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text)
	if text == "" {
		return "", &APIError{Status: http.StatusInternalServerError, Message: "empty response from model"}
	}
	return text, nil
}

func (c *Client) doJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call model endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		message := strings.TrimSpace(errResp.Error.Message)
		if message == "" {
			message = resp.Status
		}
		status := http.StatusInternalServerError
		if resp.StatusCode == http.StatusTooManyRequests {
			status = http.StatusTooManyRequests
		}
		return &APIError{Status: status, Message: message}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// truncate cuts text to at most limit bytes without splitting a multi-byte
// rune at the cut point.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
