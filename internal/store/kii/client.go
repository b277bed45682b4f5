// internal/store/kii/client.go
package kii

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/OCAP2/locsync/internal/config"
	"github.com/OCAP2/locsync/internal/parser"
	"github.com/OCAP2/locsync/pkg/core"
)

const (
	queryContentType = "application/vnd.kii.QueryRequest+json"
	maxErrorBody     = 512
)

// Client talks to a Kii-style object cloud over REST. It implements the
// store backend plus Authenticate, SaveLocation and ListMembers.
type Client struct {
	baseURL    string
	cfg        config.KiiConfig
	groupID    string
	bucket     string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// New creates a new client serving groupID/bucket to QueryAll.
func New(cfg config.KiiConfig, groupID, bucket string) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		cfg:        cfg,
		groupID:    groupID,
		bucket:     bucket,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Init logs in with the configured credentials when a username is set
func (c *Client) Init(ctx context.Context) error {
	if c.cfg.Username == "" {
		return nil
	}
	_, err := c.Authenticate(ctx, c.cfg.Username, c.cfg.Password)
	return err
}

// Close cleans up resources
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetToken sets the bearer token used by later calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the bearer token in use, empty before a login.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	ID          string `json:"id"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Authenticate logs in and keeps the returned access token.
func (c *Client) Authenticate(ctx context.Context, email, password string) (core.Member, error) {
	var out tokenResponse
	status, err := c.do(ctx, http.MethodPost, c.appPath("oauth2", "token"), "application/json",
		tokenRequest{Username: email, Password: password}, &out, false)
	if status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden {
		return core.Member{}, core.ErrUnauthorized
	}
	if err != nil {
		return core.Member{}, err
	}
	if out.AccessToken == "" {
		return core.Member{}, fmt.Errorf("%w: token response without access_token", core.ErrRemote)
	}
	c.SetToken(out.AccessToken)
	return core.Member{UserID: out.ID, Email: email}, nil
}

type bucketQuery struct {
	Clause map[string]string `json:"clause"`
}

type queryRequest struct {
	BucketQuery     bucketQuery `json:"bucketQuery"`
	BestEffortLimit int         `json:"bestEffortLimit,omitempty"`
	PaginationKey   string      `json:"paginationKey,omitempty"`
}

type queryResponse struct {
	Results           []json.RawMessage `json:"results"`
	NextPaginationKey string            `json:"nextPaginationKey"`
}

// QueryAll queries every object of the group bucket, following pagination.
func (c *Client) QueryAll(ctx context.Context) ([]core.MemberLocation, error) {
	var raws []json.RawMessage
	req := queryRequest{
		BucketQuery:     bucketQuery{Clause: map[string]string{"type": "all"}},
		BestEffortLimit: c.cfg.PageSize,
	}
	path := c.appPath("groups", c.groupID, "buckets", c.bucket, "query")

	for {
		var page queryResponse
		if _, err := c.do(ctx, http.MethodPost, path, queryContentType, req, &page, true); err != nil {
			return nil, err
		}
		raws = append(raws, page.Results...)
		if page.NextPaginationKey == "" {
			break
		}
		req.PaginationKey = page.NextPaginationKey
	}

	return parser.ParseObjects(raws)
}

// SaveLocation creates or replaces the object of userID in a group bucket.
// The object id is the user id so each member owns a single location object.
func (c *Client) SaveLocation(ctx context.Context, groupID, bucket, userID string, lat, lon float64) error {
	obj, err := parser.NewObject(userID, lat, lon)
	if err != nil {
		return err
	}
	contentType := fmt.Sprintf("application/vnd.%s.mydata+json", c.cfg.AppID)
	path := c.appPath("groups", groupID, "buckets", bucket, "objects", userID)
	_, err = c.do(ctx, http.MethodPut, path, contentType, obj, nil, true)
	return err
}

type membersResponse struct {
	Members []struct {
		UserID string `json:"userID"`
	} `json:"members"`
}

// ListMembers returns the member IDs of a group.
func (c *Client) ListMembers(ctx context.Context, groupID string) ([]core.Member, error) {
	var out membersResponse
	status, err := c.do(ctx, http.MethodGet, c.appPath("groups", groupID, "members"), "", nil, &out, true)
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("group %s: %w", groupID, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	members := make([]core.Member, len(out.Members))
	for i, m := range out.Members {
		members[i] = core.Member{UserID: m.UserID}
	}
	return members, nil
}

func (c *Client) appPath(parts ...string) string {
	escaped := make([]string, 0, len(parts)+3)
	escaped = append(escaped, "api", "apps", url.PathEscape(c.cfg.AppID))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return "/" + strings.Join(escaped, "/")
}

// do sends a JSON request and decodes the JSON response into out. With retryAuth,
// a 401 triggers one fresh login with the configured credentials.
func (c *Client) do(ctx context.Context, method, path, contentType string, body, out any, retryAuth bool) (int, error) {
	status, err := c.send(ctx, method, path, contentType, body, out)
	if status == http.StatusUnauthorized && retryAuth && c.cfg.Username != "" {
		if _, authErr := c.Authenticate(ctx, c.cfg.Username, c.cfg.Password); authErr != nil {
			return status, fmt.Errorf("%w: re-authentication failed: %v", core.ErrRemote, authErr)
		}
		status, err = c.send(ctx, method, path, contentType, body, out)
	}
	return status, err
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Kii-AppID", c.cfg.AppID)
	req.Header.Set("X-Kii-AppKey", c.cfg.AppKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %v", core.ErrRemote, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, fmt.Errorf("%w: %s %s returned status %d: %s",
			core.ErrRemote, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: decoding %s response: %v", core.ErrMalformedRecord, path, err)
	}
	return resp.StatusCode, nil
}
