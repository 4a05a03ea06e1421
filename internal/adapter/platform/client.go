// Package platform talks to a configuration platform's REST API. Field
// translation between platforms is the caller's business; this client moves
// entities as opaque JSON objects.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/semmidev/ferry/internal/config"
	"github.com/semmidev/ferry/internal/domain"
)

type Client struct {
	name    string
	baseURL string
	http    *http.Client
	session *Session
}

func New(cfg config.PlatformConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}

	if cfg.TokenURL != "" {
		c.session = NewSession(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, cfg.Scopes)
		c.http.Transport = &oauth2.Transport{Source: c.session, Base: http.DefaultTransport}
	}
	return c
}

// Refresh forces a new access token. Clients without OAuth have nothing to refresh.
func (c *Client) Refresh(ctx context.Context) error {
	if c.session == nil {
		return nil
	}
	return c.session.Refresh(ctx)
}

func (c *Client) List(ctx context.Context, entityType string) ([]domain.Entity, error) {
	op := "list " + entityType
	body, err := c.do(ctx, op, http.MethodGet, c.url(entityType), nil)
	if err != nil {
		return nil, err
	}

	var entities []domain.Entity
	if err := json.Unmarshal(body, &entities); err == nil {
		return entities, nil
	}

	// OData style envelope
	var envelope struct {
		Value []domain.Entity `json:"value"`
		Items []domain.Entity `json:"items"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, domain.NewClientError(domain.ErrDataValidation, op, fmt.Errorf("unexpected response: %w", err))
	}
	if envelope.Value != nil {
		return envelope.Value, nil
	}
	return envelope.Items, nil
}

func (c *Client) Create(ctx context.Context, entityType string, data domain.Entity) (string, error) {
	op := "create " + entityType
	body, err := c.do(ctx, op, http.MethodPost, c.url(entityType), data)
	if err != nil {
		return "", err
	}

	var created domain.Entity
	if len(body) > 0 {
		if err := json.Unmarshal(body, &created); err != nil {
			return "", domain.NewClientError(domain.ErrDataValidation, op, fmt.Errorf("unexpected response: %w", err))
		}
	}
	if id := created.ID(); id != "" {
		return id, nil
	}
	return data.ID(), nil
}

func (c *Client) Update(ctx context.Context, entityType, id string, data domain.Entity) error {
	_, err := c.do(ctx, "update "+entityType+"/"+id, http.MethodPut, c.url(entityType, id), data)
	return err
}

func (c *Client) Delete(ctx context.Context, entityType, id string) error {
	_, err := c.do(ctx, "delete "+entityType+"/"+id, http.MethodDelete, c.url(entityType, id), nil)
	return err
}

func (c *Client) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, domain.NewClientError(domain.ErrDataValidation, op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, domain.NewClientError(domain.ErrUnknown, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewClientError(transportKind(err), op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewClientError(domain.ErrNetworkTimeout, op, err)
	}

	if resp.StatusCode >= 300 {
		return nil, domain.NewClientError(statusKind(resp.StatusCode), op,
			fmt.Errorf("%s %s: status %d: %s", c.name, method, resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return body, nil
}

func statusKind(code int) domain.ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.ErrAuthentication
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity || code == http.StatusConflict:
		return domain.ErrDataValidation
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable || code == http.StatusInsufficientStorage:
		return domain.ErrResourceExhaustion
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout || code == http.StatusBadGateway:
		return domain.ErrNetworkTimeout
	}
	return domain.ErrUnknown
}

func transportKind(err error) domain.ErrorKind {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return domain.ErrAuthentication
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrNetworkTimeout
	}
	return domain.ErrUnknown
}
