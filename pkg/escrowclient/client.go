// Package escrowclient is a typed Go client for the escrow service's
// HTTP API.
//
// A Client is safe for concurrent use. Every method takes a context
// and returns either the decoded resource or an error; errors from the
// service itself are *APIError values carrying the HTTP status and the
// machine-readable code, so callers can branch with errors.As:
//
//	e, err := cli.Release(ctx, 42)
//	var apiErr *escrowclient.APIError
//	if errors.As(err, &apiErr) && apiErr.Code == "timing_violation" {
//	    // too early; apiErr.EligibleAt says when to retry
//	}
//
// Amounts are decimal strings throughout, matching the wire format.
package escrowclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// APIError is an error response from the service. Code is the
// machine-readable error identifier, such as "not_found" or
// "invalid_state". State and EligibleAt are populated only for the
// codes that carry them.
type APIError struct {
	StatusCode int        `json:"-"`
	Code       string     `json:"error"`
	Message    string     `json:"message"`
	State      string     `json:"state,omitempty"`
	EligibleAt *time.Time `json:"eligibleAt,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("escrow API: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("escrow API: %s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is an APIError with code "not_found".
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == "not_found"
}

// Client talks to one escrow service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// New creates a client for the service at baseURL, such as
// "http://localhost:8080". The API key is sent as a bearer token;
// pass "" for the public read-only endpoints.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do performs one API request. Paths are relative to the /v1 mount.
// A non-nil out receives the decoded response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	u := c.baseURL + "/v1" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Code == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// doEscrow performs a request whose response wraps a single escrow.
func (c *Client) doEscrow(ctx context.Context, method, path string, body any) (*Escrow, error) {
	var out struct {
		Escrow *Escrow `json:"escrow"`
	}
	if err := c.do(ctx, method, path, nil, body, &out); err != nil {
		return nil, err
	}
	return out.Escrow, nil
}

// CreateEscrow funds a single-amount escrow and returns it.
func (c *Client) CreateEscrow(ctx context.Context, p CreateEscrowParams) (*Escrow, error) {
	return c.doEscrow(ctx, http.MethodPost, "/escrows", createEscrowRequest{
		Freelancer:    p.Freelancer,
		Arbitrator:    p.Arbitrator,
		Asset:         p.Asset,
		Amount:        p.Amount,
		AttachedValue: p.AttachedValue,
		Deadline:      p.Deadline.Unix(),
	})
}

// CreateWithMilestones funds a milestone escrow and returns it.
func (c *Client) CreateWithMilestones(ctx context.Context, p CreateMilestonesParams) (*Escrow, error) {
	req := createEscrowRequest{
		Freelancer:    p.Freelancer,
		Arbitrator:    p.Arbitrator,
		Asset:         p.Asset,
		AttachedValue: p.AttachedValue,
	}
	for _, m := range p.Milestones {
		req.Milestones = append(req.Milestones, milestoneRequest{
			Description: m.Description,
			Amount:      m.Amount,
			Deadline:    m.Deadline.Unix(),
		})
	}
	return c.doEscrow(ctx, http.MethodPost, "/escrows/milestones", req)
}

// GetEscrow fetches one escrow by ID.
func (c *Client) GetEscrow(ctx context.Context, id uint64) (*Escrow, error) {
	return c.doEscrow(ctx, http.MethodGet, escrowPath(id), nil)
}

// ListEscrows returns a page of escrows, newest first.
func (c *Client) ListEscrows(ctx context.Context, opts ListOptions) (*EscrowPage, error) {
	q := url.Values{}
	if opts.Party != "" {
		q.Set("party", opts.Party)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor > 0 {
		q.Set("cursor", strconv.FormatUint(opts.Cursor, 10))
	}
	var page EscrowPage
	if err := c.do(ctx, http.MethodGet, "/escrows", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Release pays the full remaining balance to the freelancer. Only the
// client may call it.
func (c *Client) Release(ctx context.Context, id uint64) (*Escrow, error) {
	return c.doEscrow(ctx, http.MethodPost, escrowPath(id)+"/release", nil)
}

// Refund returns the full remaining balance to the client. Only the
// freelancer may call it.
func (c *Client) Refund(ctx context.Context, id uint64) (*Escrow, error) {
	return c.doEscrow(ctx, http.MethodPost, escrowPath(id)+"/refund", nil)
}

// ExtendDeadline moves the deadline later. Only the client may call
// it, and only to a time after the current deadline.
func (c *Client) ExtendDeadline(ctx context.Context, id uint64, deadline time.Time) (*Escrow, error) {
	body := struct {
		Deadline int64 `json:"deadline"`
	}{deadline.Unix()}
	return c.doEscrow(ctx, http.MethodPost, escrowPath(id)+"/extend", body)
}

// Claim pays the remaining balance to the freelancer after the
// deadline plus grace period has passed. Only the freelancer may call
// it.
func (c *Client) Claim(ctx context.Context, id uint64) (*Escrow, error) {
	return c.doEscrow(ctx, http.MethodPost, escrowPath(id)+"/claim", nil)
}

// RaiseDispute freezes the escrow for arbitration. Either party may
// call it on an escrow that has an arbitrator.
func (c *Client) RaiseDispute(ctx context.Context, id uint64, reason string) (*Escrow, error) {
	body := struct {
		Reason string `json:"reason"`
	}{reason}
	return c.doEscrow(ctx, http.MethodPost, escrowPath(id)+"/dispute", body)
}

// ResolveDispute settles a disputed escrow. Only the arbitrator may
// call it.
func (c *Client) ResolveDispute(ctx context.Context, id uint64, p ResolveParams) (*Escrow, error) {
	body := struct {
		Winner string `json:"winner"`
		Amount string `json:"amount"`
		Ruling string `json:"ruling"`
	}{p.Winner, p.Amount, p.Ruling}
	return c.doEscrow(ctx, http.MethodPost, escrowPath(id)+"/resolve", body)
}

// ListMilestones returns an escrow's milestones in order.
func (c *Client) ListMilestones(ctx context.Context, id uint64) ([]Milestone, error) {
	var out struct {
		Milestones []Milestone `json:"milestones"`
	}
	if err := c.do(ctx, http.MethodGet, escrowPath(id)+"/milestones", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Milestones, nil
}

// GetMilestone fetches one milestone by index.
func (c *Client) GetMilestone(ctx context.Context, id uint64, index int) (*Milestone, error) {
	var out struct {
		Milestone *Milestone `json:"milestone"`
	}
	if err := c.do(ctx, http.MethodGet, milestonePath(id, index), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Milestone, nil
}

// CompleteMilestone marks a milestone as delivered. Only the
// freelancer may call it.
func (c *Client) CompleteMilestone(ctx context.Context, id uint64, index int) (*Escrow, error) {
	return c.doEscrow(ctx, http.MethodPost, milestonePath(id, index)+"/complete", nil)
}

// ReleaseMilestone pays one milestone to the freelancer. Only the
// client may call it.
func (c *Client) ReleaseMilestone(ctx context.Context, id uint64, index int) (*Escrow, error) {
	return c.doEscrow(ctx, http.MethodPost, milestonePath(id, index)+"/release", nil)
}

// Stats returns aggregate escrow analytics.
func (c *Client) Stats(ctx context.Context, opts StatsOptions) (*Analytics, error) {
	q := url.Values{}
	if opts.Freelancer != "" {
		q.Set("freelancer", opts.Freelancer)
	}
	if opts.Asset != "" {
		q.Set("asset", opts.Asset)
	}
	if !opts.From.IsZero() {
		q.Set("from", strconv.FormatInt(opts.From.Unix(), 10))
	}
	if !opts.To.IsZero() {
		q.Set("to", strconv.FormatInt(opts.To.Unix(), 10))
	}
	var out struct {
		Stats *Analytics `json:"stats"`
	}
	if err := c.do(ctx, http.MethodGet, "/escrows/stats", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Stats, nil
}

// Balance returns the caller's position in one asset.
func (c *Client) Balance(ctx context.Context, asset string) (*Balance, error) {
	q := url.Values{}
	q.Set("asset", asset)
	var out struct {
		Balance *Balance `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/treasury/balance", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Balance, nil
}

// Balances returns every asset position the caller holds.
func (c *Client) Balances(ctx context.Context) ([]Balance, error) {
	var out struct {
		Balances []Balance `json:"balances"`
	}
	if err := c.do(ctx, http.MethodGet, "/treasury/balance", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Balances, nil
}

func escrowPath(id uint64) string {
	return "/escrows/" + strconv.FormatUint(id, 10)
}

func milestonePath(id uint64, index int) string {
	return escrowPath(id) + "/milestones/" + strconv.Itoa(index)
}
