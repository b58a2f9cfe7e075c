package agora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Agora substrate REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// ActionSubmission is the payload for proposing an action. The field set
// mirrors the substrate's intent schema; fields irrelevant to the chosen
// action type are simply omitted.
type ActionSubmission struct {
	Proposer   string `json:"proposer"`
	ActionType string `json:"action_type"`

	ArtifactID string `json:"artifact_id,omitempty"`
	Content    string `json:"content,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Body       string `json:"body,omitempty"`
	Language   string `json:"language,omitempty"`
	PolicyRef  string `json:"policy_ref,omitempty"`

	Method string         `json:"method,omitempty"`
	Args   map[string]any `json:"args,omitempty"`

	To     string `json:"to,omitempty"`
	Amount int64  `json:"amount,omitempty"`
}

// ActionResult reports how the substrate disposed of a submitted action.
type ActionResult struct {
	Success           bool    `json:"success"`
	Outcome           string  `json:"outcome"`
	Result            any     `json:"result,omitempty"`
	Error             string  `json:"error,omitempty"`
	ErrorCode         string  `json:"error_code,omitempty"`
	ResourcesConsumed float64 `json:"resources_consumed"`
	ScripCost         int64   `json:"scrip_cost"`
}

// EventRecord is one entry of the public event log. Write payloads are
// redacted server side; only the fact and shape of each action is visible.
type EventRecord struct {
	ID          string `json:"id"`
	Tick        int64  `json:"tick"`
	Timestamp   int64  `json:"timestamp"`
	Proposer    string `json:"proposer"`
	ActionType  string `json:"action_type"`
	Summary     string `json:"summary"`
	Outcome     string `json:"outcome"`
	Reason      string `json:"reason,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	ProxyCost   int64  `json:"proxy_cost"`
	SettledCost int64  `json:"settled_cost"`
	ScripCost   int64  `json:"scrip_cost"`
	Effect      string `json:"effect,omitempty"`
}

// PrincipalView is the operator-facing balance view of one principal.
type PrincipalView struct {
	ID        string             `json:"id"`
	Scrip     int64              `json:"scrip"`
	Frozen    bool               `json:"frozen"`
	Flow      map[string]float64 `json:"flow"`
	StockUsed map[string]int64   `json:"stock_used"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("agora api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Agora substrate API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SetAPIKey stores the key sent as a bearer token on subsequent calls.
// Leaving it unset is valid when the server runs with auth disabled.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// APIKey returns the currently stored key.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// SubmitAction proposes an action and returns the substrate's verdict.
// A rejected action is not an error at this level; inspect the result.
func (c *Client) SubmitAction(ctx context.Context, submission ActionSubmission) (ActionResult, error) {
	var result ActionResult
	if err := c.post(ctx, "/api/v1/actions", submission, &result); err != nil {
		return ActionResult{}, err
	}
	return result, nil
}

// ListEvents fetches the newest entries of the public event log.
func (c *Client) ListEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	endpoint := "/api/v1/events"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var records []EventRecord
	if err := c.get(ctx, endpoint, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// GetPrincipal fetches the balance view of one principal.
func (c *Client) GetPrincipal(ctx context.Context, id string) (PrincipalView, error) {
	var view PrincipalView
	if err := c.get(ctx, "/api/v1/principals/"+url.PathEscape(id), &view); err != nil {
		return PrincipalView{}, err
	}
	return view, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if key := c.APIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(data)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
