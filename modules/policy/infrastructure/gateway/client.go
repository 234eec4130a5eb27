// Package gateway is a thin, stateless client over the remote control
// plane's policy and key endpoints. It knows nothing about organizations
// beyond the org context header each call carries, performs no retries, and
// surfaces non-2xx responses verbatim as *HTTPError.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"

	"github.com/nexgate-io/console/modules/policy/domain/types"
)

const (
	headerSecret = "X-Gateway-Secret"
	headerOrgID  = "X-Org-ID"

	defaultTimeout = 10 * time.Second
)

type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// HTTPError preserves the remote status code and body so callers can decide
// retry/abort policy.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		body = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("gateway: http %d: %s", e.StatusCode, body)
}

func New(baseURL string, secret string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("gateway: missing base url")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.New("gateway: invalid base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("gateway: invalid base url scheme")
	}
	if u.Host == "" {
		return nil, errors.New("gateway: invalid base url host")
	}
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = defaultTimeout
	return &Client{
		baseURL:    baseURL,
		secret:     secret,
		httpClient: hc,
	}, nil
}

// CreatePolicy creates the policy under the id already present in doc. The
// control plane treats a repeated create with the same id as a replace, so
// retrying after a timeout is safe.
func (c *Client) CreatePolicy(ctx context.Context, orgID string, doc types.RemotePolicy) (types.RemotePolicy, error) {
	return c.writePolicy(ctx, http.MethodPut, c.baseURL+"/policies/"+url.PathEscape(doc.ID), orgID, doc)
}

func (c *Client) GetPolicy(ctx context.Context, orgID string, remoteID string) (types.RemotePolicy, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/policies/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return types.RemotePolicy{}, err
	}
	c.setHeaders(req, orgID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.RemotePolicy{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return types.RemotePolicy{}, readHTTPError(resp)
	}

	var out types.RemotePolicy
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.RemotePolicy{}, err
	}
	return out, nil
}

// UpdatePolicy replaces the full remote document.
func (c *Client) UpdatePolicy(ctx context.Context, orgID string, remoteID string, doc types.RemotePolicy) (types.RemotePolicy, error) {
	return c.writePolicy(ctx, http.MethodPut, c.baseURL+"/policies/"+url.PathEscape(remoteID), orgID, doc)
}

func (c *Client) DeletePolicy(ctx context.Context, orgID string, remoteID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/policies/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return err
	}
	c.setHeaders(req, orgID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return readHTTPError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// CreateKey mints an access key bound to key.ApplyPolicyID.
func (c *Client) CreateKey(ctx context.Context, orgID string, key types.RemoteKey) (types.RemoteKey, error) {
	body, err := json.Marshal(key)
	if err != nil {
		return types.RemoteKey{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/keys", bytes.NewReader(body))
	if err != nil {
		return types.RemoteKey{}, err
	}
	c.setHeaders(req, orgID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.RemoteKey{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return types.RemoteKey{}, readHTTPError(resp)
	}

	var out types.RemoteKey
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.RemoteKey{}, err
	}
	if out.Key == "" {
		return types.RemoteKey{}, errors.New("gateway: missing key in response")
	}
	return out, nil
}

func (c *Client) writePolicy(ctx context.Context, method string, target string, orgID string, doc types.RemotePolicy) (types.RemotePolicy, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return types.RemotePolicy{}, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return types.RemotePolicy{}, err
	}
	c.setHeaders(req, orgID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.RemotePolicy{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return types.RemotePolicy{}, readHTTPError(resp)
	}

	var out types.RemotePolicy
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.RemotePolicy{}, err
	}
	if out.ID == "" {
		return types.RemotePolicy{}, errors.New("gateway: missing policy id in response")
	}
	return out, nil
}

func (c *Client) setHeaders(req *http.Request, orgID string) {
	req.Header.Set("Accept", "application/json")
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set(headerSecret, c.secret)
	}
	if orgID != "" {
		req.Header.Set(headerOrgID, orgID)
	}
}

func readHTTPError(resp *http.Response) error {
	const maxBody = 4096
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Body:       string(b),
	}
}
