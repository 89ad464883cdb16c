package carelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Careline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Case is the API case model (partial).
type Case struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	PatientRef    string  `json:"patient_ref,omitempty"`
	Status        string  `json:"status"`
	AssignedRNID  *string `json:"assigned_rn_id,omitempty"`
	AssignedRName *string `json:"assigned_rn_name,omitempty"`
}

// Epoch is one assignment generation.
type Epoch struct {
	ID         string `json:"id"`
	CaseID     string `json:"case_id"`
	AssignedAt string `json:"assigned_at"`
	RNID       string `json:"rn_id"`
	RNDisplay  string `json:"rn_display,omitempty"`
}

// Projection is the replayed lifecycle state of a case.
type Projection struct {
	State      string `json:"state"`
	Epoch      *Epoch `json:"epoch,omitempty"`
	AcceptedAt string `json:"accepted_at,omitempty"`
	AckSentAt  string `json:"ack_sent_at,omitempty"`
}

// Obligation is one SLA clock.
type Obligation struct {
	Status   string     `json:"status"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

// SLASet is the three clocks for one case.
type SLASet struct {
	Acceptance   Obligation `json:"acceptance"`
	Notification Obligation `json:"notification"`
	Outreach     Obligation `json:"outreach"`
}

// CaseView is a case with its projection and SLA clocks.
type CaseView struct {
	Case       Case       `json:"case"`
	Projection Projection `json:"projection"`
	SLA        SLASet     `json:"sla"`
}

// ActionResult is the post-action view. Warning is set when the row update
// stood but the audit append failed; refetch later to see the repaired view.
type ActionResult struct {
	Case       Case       `json:"case"`
	Projection Projection `json:"projection"`
	Warning    string     `json:"warning,omitempty"`
}

// Event is one governance log entry.
type Event struct {
	ID        int64          `json:"id"`
	CaseID    string         `json:"case_id"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actor_id"`
	ActorRole string         `json:"actor_role"`
	CreatedAt string         `json:"created_at"`
	Metadata  map[string]any `json:"metadata"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCase creates a case file.
func (c *Client) CreateCase(ctx context.Context, title, patientRef string) (CaseView, error) {
	body := map[string]any{"title": title}
	if patientRef != "" {
		body["patient_ref"] = patientRef
	}
	var resp CaseView
	err := c.do(ctx, http.MethodPost, "v0/cases", body, &resp)
	return resp, err
}

// GetCase fetches one case with projection and SLA clocks.
func (c *Client) GetCase(ctx context.Context, caseID string) (CaseView, error) {
	var resp CaseView
	err := c.do(ctx, http.MethodGet, c.casePath(caseID, ""), nil, &resp)
	return resp, err
}

// ListCases lists open cases, optionally filtered by lifecycle state.
func (c *Client) ListCases(ctx context.Context, state string) ([]CaseView, error) {
	endpoint := "v0/cases"
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp []CaseView
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Assign assigns a case to an RN, opening a fresh epoch.
func (c *Client) Assign(ctx context.Context, caseID, rnID string) (ActionResult, error) {
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, c.casePath(caseID, "assign"), map[string]any{"rn_id": rnID}, &resp)
	return resp, err
}

// Unassign clears the assignment with a reason.
func (c *Client) Unassign(ctx context.Context, caseID, reasonCode, reasonText string) (ActionResult, error) {
	body := map[string]any{"reason_code": reasonCode}
	if reasonText != "" {
		body["reason_text"] = reasonText
	}
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, c.casePath(caseID, "unassign"), body, &resp)
	return resp, err
}

// Reassign moves the case to another RN under a fresh epoch.
func (c *Client) Reassign(ctx context.Context, caseID, rnID, reasonCode string) (ActionResult, error) {
	body := map[string]any{"rn_id": rnID, "reason_code": reasonCode}
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, c.casePath(caseID, "reassign"), body, &resp)
	return resp, err
}

// Accept resolves the given epoch as accepted. The epoch id must be the one
// the caller was shown; a stale id yields a 409.
func (c *Client) Accept(ctx context.Context, caseID, epochID string) (ActionResult, error) {
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, c.casePath(caseID, "accept"), map[string]any{"epoch_id": epochID}, &resp)
	return resp, err
}

// Decline resolves the given epoch as declined.
func (c *Client) Decline(ctx context.Context, caseID, epochID, reasonCode string) (ActionResult, error) {
	body := map[string]any{"epoch_id": epochID}
	if reasonCode != "" {
		body["reason_code"] = reasonCode
	}
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, c.casePath(caseID, "decline"), body, &resp)
	return resp, err
}

// Nudge sends the assigned RN an advisory nudge.
func (c *Client) Nudge(ctx context.Context, caseID, nudgeType, message string) (ActionResult, error) {
	body := map[string]any{"type": nudgeType, "message": message}
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, c.casePath(caseID, "nudge"), body, &resp)
	return resp, err
}

// RecordAckSent records that the patient notification went out.
func (c *Client) RecordAckSent(ctx context.Context, caseID string, channels []string) (ActionResult, error) {
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, c.casePath(caseID, "ack"), map[string]any{"channels": channels}, &resp)
	return resp, err
}

// CaseEvents returns the governance history for a case, newest first.
func (c *Client) CaseEvents(ctx context.Context, caseID string) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, c.casePath(caseID, "events"), nil, &resp)
	return resp, err
}

// Events returns the governance log tail.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) casePath(caseID, action string) string {
	p := fmt.Sprintf("v0/cases/%s", url.PathEscape(caseID))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
