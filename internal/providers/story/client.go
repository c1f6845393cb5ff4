package story

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// ErrMissingAPIKey is returned when the text API key is not configured.
// Key presence is checked at call time, never at startup.
var ErrMissingAPIKey = errors.New("story: API key is missing")

// Document is the typed story parsed out of the text API's response.
type Document struct {
	Title            string `json:"title"`
	CoverImagePrompt string `json:"cover_image_prompt"`
	Pages            []Page `json:"pages"`
}

// Page is one synthesized story page.
type Page struct {
	PageNumber  int    `json:"page_number"`
	Text        string `json:"text"`
	ImagePrompt string `json:"image_prompt"`
}

// Options configures the text-synthesis client.
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client calls the external story-writing service. The service wraps its
// structured output in a fenced ```json block inside free-form text.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient builds a story client from options.
func NewClient(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: client,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      strings.TrimSpace(opts.APIKey),
	}
}

type synthesisRequest struct {
	Story string `json:"story"`
}

type synthesisResponse struct {
	Result string `json:"result"`
}

var fencedJSONRe = regexp.MustCompile("```json\\n([\\s\\S]*?)\\n```")

// Synthesize sends the story idea to the text API and parses the fenced
// structured block into a Document. Every validation failure here aborts
// the whole book, so messages name what was wrong.
func (c *Client) Synthesize(ctx context.Context, storyIdea string) (*Document, error) {
	if c.token == "" {
		return nil, ErrMissingAPIKey
	}
	body, err := json.Marshal(synthesisRequest{Story: storyIdea})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("story: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("story: http %d", resp.StatusCode)
	}

	var out synthesisResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("story: decode response: %w", err)
	}

	return ParseDocument(out.Result)
}

// ParseDocument extracts the fenced ```json block from raw model output and
// validates the resulting story.
func ParseDocument(raw string) (*Document, error) {
	match := fencedJSONRe.FindStringSubmatch(raw)
	if match == nil {
		return nil, errors.New("story: no json block found in response")
	}
	var doc Document
	if err := json.Unmarshal([]byte(match[1]), &doc); err != nil {
		return nil, fmt.Errorf("story: parse json block: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate enforces the synthesis postconditions: non-empty title and cover
// prompt, at least one page, and dense 1..N page numbering.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return errors.New("story: missing title")
	}
	if strings.TrimSpace(d.CoverImagePrompt) == "" {
		return errors.New("story: missing cover image prompt")
	}
	if len(d.Pages) == 0 {
		return errors.New("story: no pages in response")
	}
	for i, page := range d.Pages {
		if page.PageNumber != i+1 {
			return fmt.Errorf("story: page numbering not dense: got %d at position %d", page.PageNumber, i+1)
		}
		if strings.TrimSpace(page.Text) == "" {
			return fmt.Errorf("story: page %d has no text", page.PageNumber)
		}
		if strings.TrimSpace(page.ImagePrompt) == "" {
			return fmt.Errorf("story: page %d has no image prompt", page.PageNumber)
		}
	}
	return nil
}
