package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kasku/internal/core"
)

// HTTPError carries a non-2xx response from the server.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client is a thin JSON client for the kasku API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Error string `json:"error"`
		}
		msg := resp.Status
		if json.NewDecoder(resp.Body).Decode(&errBody) == nil && errBody.Error != "" {
			msg = errBody.Error
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func withPeriod(path string, period core.Period) string {
	if period == "" {
		return path
	}
	return path + "?ym=" + period.String()
}

// CreateMemberRequest is the payload for member creation.
type CreateMemberRequest struct {
	Name  string `json:"name"`
	NIM   string `json:"nim,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// EntryRequest is the payload for appending a ledger entry.
type EntryRequest struct {
	Type     string `json:"type"`
	Amount   int64  `json:"amount"`
	Category string `json:"category,omitempty"`
	Note     string `json:"note,omitempty"`
	Date     string `json:"date"`
	MemberID string `json:"memberId,omitempty"`
}

func (c *Client) ListMembers(ctx context.Context) ([]core.Member, error) {
	var members []core.Member
	err := c.do(ctx, http.MethodGet, "/members", nil, &members)
	return members, err
}

func (c *Client) CreateMember(ctx context.Context, req CreateMemberRequest) (core.Member, error) {
	var member core.Member
	err := c.do(ctx, http.MethodPost, "/members", req, &member)
	return member, err
}

func (c *Client) DeleteMember(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/members/"+id, nil, nil)
}

func (c *Client) ListBills(ctx context.Context, period core.Period) ([]core.Bill, error) {
	var bills []core.Bill
	err := c.do(ctx, http.MethodGet, withPeriod("/bills", period), nil, &bills)
	return bills, err
}

func (c *Client) GenerateBills(ctx context.Context, period core.Period) ([]core.Bill, error) {
	var bills []core.Bill
	err := c.do(ctx, http.MethodPost, "/bills/generate", map[string]string{"ym": period.String()}, &bills)
	return bills, err
}

// BulkPaid settles the period bills of the given members and returns the
// full period bill set.
func (c *Client) BulkPaid(ctx context.Context, memberIDs []string, period core.Period) ([]core.Bill, error) {
	var bills []core.Bill
	err := c.do(ctx, http.MethodPost, "/bills/bulkPaid", map[string]any{
		"memberIds": memberIDs,
		"ym":        period.String(),
	}, &bills)
	return bills, err
}

// WaiveBills forgives the period bills of the given members and returns the
// full period bill set.
func (c *Client) WaiveBills(ctx context.Context, memberIDs []string, period core.Period) ([]core.Bill, error) {
	var bills []core.Bill
	err := c.do(ctx, http.MethodPost, "/bills/waive", map[string]any{
		"memberIds": memberIDs,
		"ym":        period.String(),
	}, &bills)
	return bills, err
}

func (c *Client) ListEntries(ctx context.Context, period core.Period) ([]core.LedgerEntry, error) {
	var entries []core.LedgerEntry
	err := c.do(ctx, http.MethodGet, withPeriod("/txs", period), nil, &entries)
	return entries, err
}

func (c *Client) AddEntry(ctx context.Context, req EntryRequest) (core.LedgerEntry, error) {
	var entry core.LedgerEntry
	err := c.do(ctx, http.MethodPost, "/txs", req, &entry)
	return entry, err
}

func (c *Client) DeleteEntry(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/txs/"+id, nil, nil)
}

func (c *Client) Summary(ctx context.Context, period core.Period) (core.Totals, error) {
	var totals core.Totals
	err := c.do(ctx, http.MethodGet, withPeriod("/txs/summary", period), nil, &totals)
	return totals, err
}

func (c *Client) DuesAmount(ctx context.Context) (int64, error) {
	var resp struct {
		DuesAmount int64 `json:"duesAmount"`
	}
	err := c.do(ctx, http.MethodGet, "/dues/amount", nil, &resp)
	return resp.DuesAmount, err
}

func (c *Client) SetDuesAmount(ctx context.Context, amount int64) error {
	return c.do(ctx, http.MethodPost, "/dues/amount", map[string]int64{"amount": amount}, nil)
}
