package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"lds.li/idsrv/internal/config"
)

// SocketPath is the type we pass the socket path around in, for binding.
type SocketPath string

// Client calls the admin API.
type Client struct {
	HTTP    *http.Client
	BaseURL string
}

// NewClient creates a Client that talks to the admin API over a Unix socket
// located at socketPath.
func NewClient(socketPath SocketPath) *Client {
	return &Client{
		HTTP: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", string(socketPath))
				},
			},
		},
		BaseURL: "http://unix",
	}
}

// APIError is a non-success response from the admin API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin API error (status %d): %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, wantStatus int) error {
	var rb io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rb = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rb)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("call admin API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) ListClients(ctx context.Context) ([]ClientInfo, error) {
	var resp ListClientsResponse
	if err := c.do(ctx, http.MethodGet, "/admin/clients", nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Clients, nil
}

// CreateClient stores a new client. If the client is confidential and has no
// secrets, one is generated and returned.
func (c *Client) CreateClient(ctx context.Context, cl *config.Client) (*CreateClientResponse, error) {
	var resp CreateClientResponse
	if err := c.do(ctx, http.MethodPost, "/admin/clients", cl, &resp, http.StatusCreated); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) DeleteClient(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/admin/clients/"+url.PathEscape(id), nil, nil, http.StatusNoContent)
}

func (c *Client) ListScopes(ctx context.Context) ([]ScopeInfo, error) {
	var resp ListScopesResponse
	if err := c.do(ctx, http.MethodGet, "/admin/scopes", nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Scopes, nil
}

func (c *Client) CreateScope(ctx context.Context, sc *config.Scope) error {
	return c.do(ctx, http.MethodPost, "/admin/scopes", sc, nil, http.StatusCreated)
}

func (c *Client) DeleteScope(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/admin/scopes/"+url.PathEscape(name), nil, nil, http.StatusNoContent)
}

func (c *Client) ListUsers(ctx context.Context) ([]UserInfo, error) {
	var resp ListUsersResponse
	if err := c.do(ctx, http.MethodGet, "/admin/users", nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) CreateUser(ctx context.Context, req *CreateUserRequest) (*UserInfo, error) {
	var resp UserInfo
	if err := c.do(ctx, http.MethodPost, "/admin/users", req, &resp, http.StatusCreated); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SetUserActive(ctx context.Context, id string, active bool) error {
	return c.do(ctx, http.MethodPut, "/admin/users/"+url.PathEscape(id)+"/active", SetUserActiveRequest{Active: active}, nil, http.StatusNoContent)
}

// ListGrants returns the live grants, for all subjects if subject is empty.
func (c *Client) ListGrants(ctx context.Context, subject string) (*ListGrantsResponse, error) {
	path := "/admin/grants"
	if subject != "" {
		path += "?" + url.Values{"subject": {subject}}.Encode()
	}
	var resp ListGrantsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RevokeGrant(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/admin/grants/"+url.PathEscape(id), nil, nil, http.StatusNoContent)
}

func (c *Client) ListKeys(ctx context.Context) ([]KeyInfo, error) {
	var resp ListKeysResponse
	if err := c.do(ctx, http.MethodGet, "/admin/keys", nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func (c *Client) RotateKeys(ctx context.Context) (*RotateKeysResponse, error) {
	var resp RotateKeysResponse
	if err := c.do(ctx, http.MethodPost, "/admin/keys/rotate", nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GC(ctx context.Context) (*GCResponse, error) {
	var resp GCResponse
	if err := c.do(ctx, http.MethodPost, "/admin/gc", nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}
