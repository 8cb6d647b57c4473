package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/mapsync/mapsync/internal/replica/schema"
	"github.com/mapsync/mapsync/internal/session"
)

// DefaultTimeout bounds every request made by a Client.
const DefaultTimeout = 15 * time.Second

// Client is an authenticated client of the remote API.
//
// A 401 response hands the rejected token to the session guard; once the
// guard has fresh tokens the request is retried exactly once.
type Client struct {
	BaseURL string

	http   *http.Client
	guard  *session.Guard
	logger *log.Logger
}

// NewClient creates a client for baseURL using the credentials in store.
// If logger is nil, a default stderr logger is used.
func NewClient(baseURL string, store session.Store, timeout time.Duration, logger *log.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
	c.guard = session.NewGuard(store, c.RefreshTokens, logger)
	return c
}

// Guard returns the session guard serializing this client's token refresh.
func (c *Client) Guard() *session.Guard {
	return c.guard
}

// Health fetches /health. It needs no session.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	resp, err := c.send(ctx, http.MethodGet, "/health", nil, "")
	if err != nil {
		return nil, err
	}
	var out HealthResponse
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckCompatibility verifies that the server speaks at least MinAPIVersion.
func (c *Client) CheckCompatibility(ctx context.Context) (*HealthResponse, error) {
	h, err := c.Health(ctx)
	if err != nil {
		return nil, err
	}
	if !semver.IsValid(h.APIVersion) {
		return h, fmt.Errorf("server reported invalid api version %q", h.APIVersion)
	}
	if semver.Compare(h.APIVersion, MinAPIVersion) < 0 {
		return h, fmt.Errorf("server api %s is older than required %s", h.APIVersion, MinAPIVersion)
	}
	if semver.Major(h.APIVersion) != semver.Major(APIVersion) {
		return h, fmt.Errorf("server api %s is incompatible with client api %s", h.APIVersion, APIVersion)
	}
	return h, nil
}

// RefreshTokens exchanges a refresh token. It is the guard's refresh call
// and is not itself retried.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (session.Tokens, error) {
	resp, err := c.send(ctx, http.MethodPost, "/auth/refresh", RefreshRequest{RefreshToken: refreshToken}, "")
	if err != nil {
		return session.Tokens{}, err
	}
	var t session.Tokens
	if err := decodeResponse(resp, &t); err != nil {
		return session.Tokens{}, err
	}
	if t.Access == "" {
		return session.Tokens{}, fmt.Errorf("refresh response carried no access token")
	}
	return t, nil
}

// ListSince returns the changes the server recorded after since (server ms).
func (c *Client) ListSince(ctx context.Context, since int64) (*DeltaResponse, error) {
	var out DeltaResponse
	path := "/maps?since=" + strconv.FormatInt(since, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list changes since %d: %w", since, err)
	}
	return &out, nil
}

// GetMap fetches one map.
func (c *Client) GetMap(ctx context.Context, id string) (*schema.Map, error) {
	var out schema.Map
	if err := c.do(ctx, http.MethodGet, recordPath(schema.TableMaps, id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetNode fetches one node.
func (c *Client) GetNode(ctx context.Context, id string) (*schema.Node, error) {
	var out schema.Node
	if err := c.do(ctx, http.MethodGet, recordPath(schema.TableNodes, id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEdge fetches one edge.
func (c *Client) GetEdge(ctx context.Context, id string) (*schema.Edge, error) {
	var out schema.Edge
	if err := c.do(ctx, http.MethodGet, recordPath(schema.TableEdges, id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upsert writes record (a *schema.Map, *schema.Node or *schema.Edge) with
// create-or-replace semantics: PUT first, POST when the server has no such
// record yet.
func (c *Client) Upsert(ctx context.Context, table schema.Table, id string, record any) error {
	err := c.do(ctx, http.MethodPut, recordPath(table, id), record, nil)
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return c.do(ctx, http.MethodPost, "/"+string(table), record, nil)
}

// Delete removes a record. A record the server does not know is already
// gone, so 404 counts as success.
func (c *Client) Delete(ctx context.Context, table schema.Table, id string) error {
	err := c.do(ctx, http.MethodDelete, recordPath(table, id), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// PutEdges upserts the edges of one map in a single request.
func (c *Client) PutEdges(ctx context.Context, mapID string, edges []*schema.Edge) (*BundleResult, error) {
	var out BundleResult
	path := recordPath(schema.TableMaps, mapID) + "/edges"
	if err := c.do(ctx, http.MethodPut, path, EdgeBundle{Edges: edges}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends an authenticated request, running the session guard once on 401.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, ok := c.guard.AccessToken()
	if !ok {
		return fmt.Errorf("%w: %w", ErrUnauthorized, session.ErrNoSession)
	}

	resp, err := c.send(ctx, method, path, body, token)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		tokens, err := c.guard.Refresh(ctx, token)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		resp, err = c.send(ctx, method, path, body, tokens.Access)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return fmt.Errorf("%w: rejected after token refresh", ErrUnauthorized)
		}
	}
	return decodeResponse(resp, out)
}

func (c *Client) send(ctx context.Context, method, path string, body any, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

func decodeResponse(resp *http.Response, out any) error {
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusConflict:
		var body ConflictBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("failed to decode conflict response: %w", err)
		}
		return &ConflictError{Remote: body.Remote}
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var body ErrorBody
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			msg = body.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func recordPath(table schema.Table, id string) string {
	return "/" + string(table) + "/" + url.PathEscape(id)
}
