// Package crm syncs learner contacts into HubSpot.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/voicebridge/internal/config"
)

// ErrSyncFailed wraps every CRM failure. Callers log it and move on.
var ErrSyncFailed = errors.New("crm sync failed")

const contactsPath = "/crm/v3/objects/contacts"

// Contact is a HubSpot contact object.
type Contact struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

// SyncRequest describes the contact state to reconcile.
type SyncRequest struct {
	Phone      string
	Name       string
	Summary    string
	LastCallAt time.Time
}

// SyncResult reports what the sync did.
type SyncResult struct {
	ContactID string `json:"contact_id"`
	Created   bool   `json:"created"`
}

// HubSpotClient talks to the HubSpot CRM v3 contacts API.
type HubSpotClient struct {
	baseURL          string
	token            string
	summaryProperty  string
	lastCallProperty string
	httpClient       *http.Client
}

// NewHubSpot creates a client from CRM configuration.
func NewHubSpot(cfg config.CRMConfig, timeout time.Duration) *HubSpotClient {
	return &HubSpotClient{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		token:            cfg.Token,
		summaryProperty:  cfg.SummaryProperty,
		lastCallProperty: cfg.LastCallProperty,
		httpClient:       &http.Client{Timeout: timeout},
	}
}

type searchRequest struct {
	FilterGroups []filterGroup `json:"filterGroups"`
	Properties   []string      `json:"properties"`
	Limit        int           `json:"limit"`
}

type filterGroup struct {
	Filters []filter `json:"filters"`
}

type filter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type searchResponse struct {
	Total   int       `json:"total"`
	Results []Contact `json:"results"`
}

type propertiesBody struct {
	Properties map[string]string `json:"properties"`
}

// request sends one API call and decodes a JSON response into out.
func (c *HubSpotClient) request(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("failed to close crm response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(text)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// FindByPhone returns the first contact whose phone equals phone, or nil.
func (c *HubSpotClient) FindByPhone(ctx context.Context, phone string) (*Contact, error) {
	body := searchRequest{
		FilterGroups: []filterGroup{{Filters: []filter{{PropertyName: "phone", Operator: "EQ", Value: phone}}}},
		Properties:   []string{"phone", "firstname"},
		Limit:        1,
	}
	var out searchResponse
	if err := c.request(ctx, http.MethodPost, contactsPath+"/search", body, &out); err != nil {
		return nil, err
	}
	if len(out.Results) == 0 {
		return nil, nil
	}
	return &out.Results[0], nil
}

// CreateContact creates a contact with the given properties.
func (c *HubSpotClient) CreateContact(ctx context.Context, props map[string]string) (*Contact, error) {
	var out Contact
	if err := c.request(ctx, http.MethodPost, contactsPath, propertiesBody{Properties: props}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateContact patches properties on an existing contact.
func (c *HubSpotClient) UpdateContact(ctx context.Context, id string, props map[string]string) (*Contact, error) {
	var out Contact
	if err := c.request(ctx, http.MethodPatch, contactsPath+"/"+id, propertiesBody{Properties: props}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncContact searches by phone, then updates the match or creates a contact.
// Every failure is wrapped in ErrSyncFailed.
func (c *HubSpotClient) SyncContact(ctx context.Context, req SyncRequest) (SyncResult, error) {
	if req.Phone == "" {
		return SyncResult{}, fmt.Errorf("%w: phone is required", ErrSyncFailed)
	}
	props := c.properties(req)

	existing, err := c.FindByPhone(ctx, req.Phone)
	if err != nil {
		return SyncResult{}, fmt.Errorf("%w: search contact: %w", ErrSyncFailed, err)
	}

	if existing != nil {
		if _, err := c.UpdateContact(ctx, existing.ID, props); err != nil {
			return SyncResult{}, fmt.Errorf("%w: update contact %s: %w", ErrSyncFailed, existing.ID, err)
		}
		return SyncResult{ContactID: existing.ID}, nil
	}

	created, err := c.CreateContact(ctx, props)
	if err != nil {
		return SyncResult{}, fmt.Errorf("%w: create contact: %w", ErrSyncFailed, err)
	}
	return SyncResult{ContactID: created.ID, Created: true}, nil
}

func (c *HubSpotClient) properties(req SyncRequest) map[string]string {
	props := map[string]string{"phone": req.Phone}
	if req.Name != "" {
		props["firstname"] = req.Name
	}
	if c.summaryProperty != "" && req.Summary != "" {
		props[c.summaryProperty] = req.Summary
	}
	if c.lastCallProperty != "" && !req.LastCallAt.IsZero() {
		props[c.lastCallProperty] = strconv.FormatInt(req.LastCallAt.UnixMilli(), 10)
	}
	return props
}
