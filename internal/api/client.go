package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"teleclinic-engine/internal/auth"
	"teleclinic-engine/internal/models"
)

// CredentialSource provides the current doctor identity for request
// scoping and token signing.
type CredentialSource interface {
	Identity() (models.DoctorIdentity, bool)
}

// Client talks to the clinic backend: queue pulls, queue removals and
// call-action audits. Every request carries a bearer token for the
// current identity.
type Client struct {
	baseURL string
	http    *http.Client
	creds   CredentialSource
}

func NewClient(baseURL string, creds CredentialSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		creds:   creds,
	}
}

// FetchQueue pulls the authoritative waiting-patient list for the
// current doctor. Server order is preserved.
func (c *Client) FetchQueue(ctx context.Context) ([]models.QueueRecord, error) {
	ident, _ := c.creds.Identity()
	q := url.Values{}
	q.Set("doctor_user_id", strconv.FormatInt(ident.UserID, 10))

	req, err := c.newRequest(ctx, http.MethodGet, "/api/doctor/queue?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var records []models.QueueRecord
	if err := c.do(req, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// RemoveQueueEntry reports a user-initiated removal to the backend.
func (c *Client) RemoveQueueEntry(ctx context.Context, r models.QueueRemovalRequest) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/doctor/queue/remove", r)
	if err != nil {
		return false, err
	}

	var result struct {
		Success bool `json:"success"`
	}
	if err := c.do(req, &result); err != nil {
		return false, err
	}
	return result.Success, nil
}

// ReportCallAction audits an accept/reject decision. Failures here are
// logged by callers and never block the call lifecycle.
func (c *Client) ReportCallAction(ctx context.Context, r models.CallActionRequest) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/call/action", r)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	ident, _ := c.creds.Identity()
	token, err := auth.GenerateToken(ident.UserID, ident.UserUUID)
	if err != nil {
		log.Printf("[API] Token signing failed, sending unauthenticated: %v", err)
	} else {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("api: %s %s returned %d: %s", req.Method, req.URL.Path, res.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
