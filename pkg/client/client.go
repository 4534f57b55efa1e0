// Package client is a typed Go client for the helm-pay HTTP API.
//
// Denials are not errors: ReleasePayment, Transition and CanExecute return
// the decision with its Reason. Only transport failures and problem
// responses (4xx/5xx) surface as errors, the latter as *APIError.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/coordinator"
	"github.com/Mindburn-Labs/helm-pay/pkg/discovery"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/process"
	"github.com/Mindburn-Labs/helm-pay/pkg/security"
)

// APIError is a problem+json response from the server.
type APIError struct {
	Status    int    `json:"status"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance"`
	RequestID string `json:"trace_id"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("helm-pay api %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("helm-pay api %d: %s", e.Status, e.Title)
}

// IsStatus reports whether err is an *APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client talks to one helm-pay server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request. Admin routes need
// an admin token; paying routes accept a release token whose subject is the
// session's escrow agent.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New returns a client for baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// escape percent-encodes each segment of an identifier that may contain '/'.
func escape(id string) string {
	parts := strings.Split(id, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
			apiErr.Title = http.StatusText(resp.StatusCode)
		}
		if apiErr.RequestID == "" {
			apiErr.RequestID = resp.Header.Get("X-Request-ID")
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	switch v := out.(type) {
	case *bytes.Buffer:
		_, err = v.ReadFrom(resp.Body)
		return err
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	}
}

// Health is the server's liveness report.
type Health struct {
	Status       string `json:"status"`
	Paused       bool   `json:"paused"`
	ActiveActors int    `json:"active_actors"`
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OpenSessionRequest creates a payment session and optionally funds it.
type OpenSessionRequest struct {
	Owner       string         `json:"owner"`
	EscrowAgent string         `json:"escrow_agent,omitempty"`
	MaxSpend    finance.Amount `json:"max_spend"`
	Duration    time.Duration  `json:"-"`
	Agents      []string       `json:"agents"`
	Deposit     finance.Amount `json:"deposit"`
}

func (r OpenSessionRequest) MarshalJSON() ([]byte, error) {
	type wire OpenSessionRequest
	return json.Marshal(struct {
		wire
		Duration string `json:"duration"`
	}{wire(r), r.Duration.String()})
}

func (c *Client) OpenSession(ctx context.Context, req OpenSessionRequest) (*contracts.Session, error) {
	var out contracts.Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Session(ctx context.Context, sessionID string) (*contracts.Session, error) {
	var out contracts.Session
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+escape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Deposit(ctx context.Context, sessionID string, amount finance.Amount) (*contracts.Session, error) {
	var out contracts.Session
	body := map[string]finance.Amount{"amount": amount}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+escape(sessionID)+"/deposit", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseSession refunds the unspent balance and deactivates the session.
func (c *Client) CloseSession(ctx context.Context, sessionID string) (*contracts.Session, error) {
	var out contracts.Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+escape(sessionID)+"/close", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AuthorizeAgent(ctx context.Context, sessionID, agent string) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+escape(sessionID)+"/agents",
		map[string]string{"agent": agent}, nil)
}

func (c *Client) RevokeAgent(ctx context.Context, sessionID, agent string) error {
	return c.do(ctx, http.MethodDelete,
		"/v1/sessions/"+escape(sessionID)+"/agents/"+url.PathEscape(agent), nil, nil)
}

type paymentRequest struct {
	Agent       string         `json:"agent"`
	Amount      finance.Amount `json:"amount"`
	ExecutionID string         `json:"execution_id,omitempty"`
}

// CanExecute asks for a dry-run decision; it consumes no rate-limit slot.
func (c *Client) CanExecute(ctx context.Context, sessionID, agent string, amount finance.Amount) (*contracts.Decision, error) {
	var out contracts.Decision
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+escape(sessionID)+"/can-execute",
		paymentRequest{Agent: agent, Amount: amount}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ReleasePayment pays agent once per executionID. Retries after a
// LEDGER_ERROR must reuse the same executionID.
func (c *Client) ReleasePayment(ctx context.Context, sessionID, agent string, amount finance.Amount, executionID string) (*contracts.ReleaseResult, error) {
	var out contracts.ReleaseResult
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+escape(sessionID)+"/releases",
		paymentRequest{Agent: agent, Amount: amount, ExecutionID: executionID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Releases(ctx context.Context, sessionID string) ([]*contracts.ReleaseRecord, error) {
	var out []*contracts.ReleaseRecord
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+escape(sessionID)+"/releases", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Release(ctx context.Context, executionID string) (*contracts.ReleaseRecord, error) {
	var out contracts.ReleaseRecord
	if err := c.do(ctx, http.MethodGet, "/v1/releases/"+escape(executionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reconcile asks the server whether a release with an unknown outcome landed.
func (c *Client) Reconcile(ctx context.Context, executionID string) (*contracts.ReleaseResult, error) {
	var out contracts.ReleaseResult
	if err := c.do(ctx, http.MethodPost, "/v1/reconcile/"+escape(executionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Graph(ctx context.Context) ([]process.Edge, error) {
	var out []process.Edge
	if err := c.do(ctx, http.MethodGet, "/v1/graph", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GraphDOT returns the transition graph in Graphviz format.
func (c *Client) GraphDOT(ctx context.Context) (string, error) {
	var buf bytes.Buffer
	if err := c.do(ctx, http.MethodGet, "/v1/graph?format=dot", nil, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (c *Client) CreateProcess(ctx context.Context, metadata map[string]string) (*contracts.ProcessInstance, error) {
	var out contracts.ProcessInstance
	body := map[string]map[string]string{"metadata": metadata}
	if err := c.do(ctx, http.MethodPost, "/v1/processes", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Process(ctx context.Context, processID string) (*contracts.ProcessInstance, error) {
	var out contracts.ProcessInstance
	if err := c.do(ctx, http.MethodGet, "/v1/processes/"+escape(processID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TransitionRequest moves a process along one edge of the graph.
type TransitionRequest struct {
	To        contracts.State `json:"to"`
	Agent     string          `json:"agent"`
	Role      contracts.Role  `json:"role"`
	SessionID string          `json:"session_id"`
	Proof     []byte          `json:"proof,omitempty"`
}

func (c *Client) Transition(ctx context.Context, processID string, req TransitionRequest) (*contracts.TransitionResult, error) {
	var out contracts.TransitionResult
	if err := c.do(ctx, http.MethodPost, "/v1/processes/"+escape(processID)+"/transitions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) History(ctx context.Context, processID string) ([]*contracts.TransitionRecord, error) {
	var out []*contracts.TransitionRecord
	if err := c.do(ctx, http.MethodGet, "/v1/processes/"+escape(processID)+"/transitions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExpectedFee replays the recorded transitions against the cost table.
func (c *Client) ExpectedFee(ctx context.Context, processID string) (finance.Amount, error) {
	var out struct {
		Fee finance.Amount `json:"expected_fee"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/processes/"+escape(processID)+"/fee", nil, &out); err != nil {
		return 0, err
	}
	return out.Fee, nil
}

// RunProcess lets the server's coordinator drive the process to SETTLED.
func (c *Client) RunProcess(ctx context.Context, processID, sessionID string) (*coordinator.Outcome, error) {
	var out coordinator.Outcome
	err := c.do(ctx, http.MethodPost, "/v1/processes/"+escape(processID)+"/run",
		map[string]string{"session_id": sessionID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Discover(ctx context.Context, role contracts.Role, minReputation float64) ([]discovery.Candidate, error) {
	q := url.Values{}
	q.Set("role", string(role))
	if minReputation > 0 {
		q.Set("min_reputation", strconv.FormatFloat(minReputation, 'f', -1, 64))
	}
	var out []discovery.Candidate
	if err := c.do(ctx, http.MethodGet, "/v1/agents?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RegisterAgent(ctx context.Context, a discovery.Agent) error {
	return c.do(ctx, http.MethodPut, "/v1/admin/agents", a, nil)
}

func (c *Client) UnregisterAgent(ctx context.Context, address string) error {
	return c.do(ctx, http.MethodDelete, "/v1/admin/agents/"+url.PathEscape(address), nil, nil)
}

// AuditFilter narrows an audit query; zero fields match everything.
type AuditFilter struct {
	SessionID string
	ProcessID string
	Action    contracts.AuditAction
	Limit     int
}

func (c *Client) Audit(ctx context.Context, f AuditFilter) ([]*contracts.AuditEntry, error) {
	q := url.Values{}
	if f.SessionID != "" {
		q.Set("session_id", f.SessionID)
	}
	if f.ProcessID != "" {
		q.Set("process_id", f.ProcessID)
	}
	if f.Action != "" {
		q.Set("action", string(f.Action))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/v1/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*contracts.AuditEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/pause", nil, nil)
}

func (c *Client) Unpause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/unpause", nil, nil)
}

func (c *Client) Blacklisted(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, "/v1/admin/blacklist", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Blacklist(ctx context.Context, agent string) error {
	return c.do(ctx, http.MethodPut, "/v1/admin/blacklist/"+url.PathEscape(agent), nil, nil)
}

func (c *Client) Unblacklist(ctx context.Context, agent string) error {
	return c.do(ctx, http.MethodDelete, "/v1/admin/blacklist/"+url.PathEscape(agent), nil, nil)
}

// LimitsUpdate changes a ceiling; nil fields are left alone.
type LimitsUpdate struct {
	MaxPerCall *finance.Amount `json:"max_per_call,omitempty"`
	RateLimit  *int            `json:"rate_limit,omitempty"`
}

// SetLimits updates the global defaults when sessionID is empty, otherwise
// the session's override. It returns the resulting effective limits.
func (c *Client) SetLimits(ctx context.Context, sessionID string, u LimitsUpdate) (*security.Limits, error) {
	path := "/v1/admin/limits"
	if sessionID != "" {
		path = "/v1/admin/sessions/" + escape(sessionID) + "/limits"
	}
	var out security.Limits
	if err := c.do(ctx, http.MethodPut, path, u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
