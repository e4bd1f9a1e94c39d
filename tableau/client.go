package tableau

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/martinemde/vizagent/logging"
	"github.com/martinemde/vizagent/pipeline"
)

const (
	// DefaultAPIVersion is the REST API version used when none is set.
	DefaultAPIVersion = "3.21"
	// DefaultSearchLimit caps results per asset type.
	DefaultSearchLimit = 10

	authHeader = "X-Tableau-Auth"
)

// Config identifies a Tableau site and the personal access token used to
// sign in to it.
type Config struct {
	ServerURL  string
	Site       string // site content URL; empty for the default site
	TokenName  string
	TokenValue string
	APIVersion string
	MaxRows    int
}

// Client is a Tableau REST API client. Every operation signs in with the
// personal access token and signs out when it is done.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limit      int
	logger     *slog.Logger
}

// Option configures the Client during construction.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithLogger configures structured logging.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithSearchLimit caps the results returned per asset type.
func WithSearchLimit(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.limit = n
		}
	}
}

// NewClient returns a client for the server in cfg.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("tableau: server URL is required")
	}
	if cfg.TokenName == "" || cfg.TokenValue == "" {
		return nil, errors.New("tableau: personal access token name and value are required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    strings.TrimSuffix(cfg.ServerURL, "/") + "/api/" + cfg.APIVersion,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limit:      DefaultSearchLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger)
	return c, nil
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Operation  string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tableau %s: status %d (%s): %s", e.Operation, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("tableau %s: status %d: %s", e.Operation, e.StatusCode, e.Message)
}

// Unwrap maps the status onto the pipeline sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return pipeline.ErrNotFound
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden, e.StatusCode >= 500:
		return pipeline.ErrUnavailable
	}
	return nil
}

type session struct {
	token  string
	siteID string
}

type signInRequest struct {
	Credentials struct {
		Name   string `json:"personalAccessTokenName"`
		Secret string `json:"personalAccessTokenSecret"`
		Site   struct {
			ContentURL string `json:"contentUrl"`
		} `json:"site"`
	} `json:"credentials"`
}

type signInResponse struct {
	Credentials struct {
		Token string `json:"token"`
		Site  struct {
			ID string `json:"id"`
		} `json:"site"`
	} `json:"credentials"`
}

func (c *Client) signIn(ctx context.Context) (*session, error) {
	var req signInRequest
	req.Credentials.Name = c.cfg.TokenName
	req.Credentials.Secret = c.cfg.TokenValue
	req.Credentials.Site.ContentURL = c.cfg.Site
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var resp signInResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/auth/signin", "sign in", nil, bytes.NewReader(body), &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			// Bad credentials or site: nothing can be retrieved.
			return nil, fmt.Errorf("%w: %w", err, pipeline.ErrUnavailable)
		}
		return nil, err
	}
	if resp.Credentials.Token == "" {
		return nil, fmt.Errorf("tableau sign in: empty token: %w", pipeline.ErrUnavailable)
	}
	c.logger.DebugContext(ctx, "signed in", "site", c.cfg.Site)
	return &session{token: resp.Credentials.Token, siteID: resp.Credentials.Site.ID}, nil
}

func (c *Client) signOut(s *session) {
	// Sign out even when the operation's context was cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/auth/signout", "sign out", s, nil, nil); err != nil {
		c.logger.Warn("tableau sign out failed", "error", err)
	}
}

// withSession runs fn inside a signed-in session.
func (c *Client) withSession(ctx context.Context, fn func(*session) error) error {
	s, err := c.signIn(ctx)
	if err != nil {
		return err
	}
	defer c.signOut(s)
	return fn(s)
}

// bodyFunc consumes a raw response body. It may stop reading early; the
// rest of the body is discarded with the connection.
type bodyFunc func(io.Reader) error

// do executes a request, decoding a JSON response into dst when it is a
// pointer, or handing the raw body to dst when it is a bodyFunc.
func (c *Client) do(ctx context.Context, method, u, operation string, s *session, body io.Reader, dst any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("tableau %s: create request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s != nil {
		req.Header.Set(authHeader, s.token)
	}

	c.logger.DebugContext(ctx, "tableau request", "operation", operation, "method", method)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("tableau %s: %w: %w", operation, pipeline.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(operation, resp)
	}
	switch d := dst.(type) {
	case nil:
		return nil
	case bodyFunc:
		return d(resp.Body)
	default:
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return fmt.Errorf("tableau %s: decode response: %w", operation, err)
		}
		return nil
	}
}

func apiError(operation string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Summary string `json:"summary"`
			Detail  string `json:"detail"`
		} `json:"error"`
	}
	e := &APIError{Operation: operation, StatusCode: resp.StatusCode, Message: resp.Status}
	if json.Unmarshal(raw, &env) == nil && env.Error.Summary != "" {
		e.Code = env.Error.Code
		e.Message = env.Error.Summary
		if env.Error.Detail != "" {
			e.Message += ": " + env.Error.Detail
		}
	} else if len(raw) > 0 {
		e.Message = strings.TrimSpace(string(raw))
	}
	return e
}

type idName struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type queryResponse struct {
	Views struct {
		View []struct {
			idName
			Workbook idName `json:"workbook"`
			Project  idName `json:"project"`
		} `json:"view"`
	} `json:"views"`
	Workbooks struct {
		Workbook []struct {
			idName
			Project idName `json:"project"`
		} `json:"workbook"`
	} `json:"workbooks"`
	Datasources struct {
		Datasource []struct {
			idName
			Project idName `json:"project"`
		} `json:"datasource"`
	} `json:"datasources"`
}

// Search finds views, workbooks and datasources whose names contain term.
func (c *Client) Search(ctx context.Context, term string) ([]pipeline.Asset, error) {
	var assets []pipeline.Asset
	err := c.withSession(ctx, func(s *session) error {
		for _, kind := range []string{pipeline.AssetView, pipeline.AssetWorkbook, pipeline.AssetDatasource} {
			found, err := c.query(ctx, s, kind, term)
			if err != nil {
				return err
			}
			assets = append(assets, found...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "tableau search", "term", term, "results", len(assets))
	if len(assets) == 0 {
		return nil, fmt.Errorf("no tableau assets named like %q: %w", term, pipeline.ErrNotFound)
	}
	return assets, nil
}

func (c *Client) query(ctx context.Context, s *session, kind, term string) ([]pipeline.Asset, error) {
	q := url.Values{}
	q.Set("pageSize", fmt.Sprint(c.limit))
	if term != "" {
		q.Set("filter", "name:has:"+filterValue(term))
	}
	u := fmt.Sprintf("%s/sites/%s/%ss?%s", c.baseURL, s.siteID, kind, q.Encode())

	var resp queryResponse
	if err := c.do(ctx, http.MethodGet, u, "query "+kind+"s", s, nil, &resp); err != nil {
		return nil, err
	}
	var out []pipeline.Asset
	for _, v := range resp.Views.View {
		out = append(out, pipeline.Asset{ID: v.ID, Name: v.Name, Kind: pipeline.AssetView, Workbook: v.Workbook.Name, Project: v.Project.Name})
	}
	for _, w := range resp.Workbooks.Workbook {
		out = append(out, pipeline.Asset{ID: w.ID, Name: w.Name, Kind: pipeline.AssetWorkbook, Project: w.Project.Name})
	}
	for _, d := range resp.Datasources.Datasource {
		out = append(out, pipeline.Asset{ID: d.ID, Name: d.Name, Kind: pipeline.AssetDatasource, Project: d.Project.Name})
	}
	return out[:min(len(out), c.limit)], nil
}

// filterValue escapes the characters that delimit filter expressions.
func filterValue(term string) string {
	return strings.NewReplacer(",", " ", ":", " ").Replace(term)
}

// Fetch downloads a view's data as CSV, keeping at most MaxRows rows.
func (c *Client) Fetch(ctx context.Context, a pipeline.Asset) (*pipeline.Table, error) {
	if a.Kind != pipeline.AssetView {
		return nil, fmt.Errorf("%s %q has no view data: %w", a.Kind, a.Name, pipeline.ErrNotFound)
	}
	var table *pipeline.Table
	err := c.withSession(ctx, func(s *session) error {
		u := fmt.Sprintf("%s/sites/%s/views/%s/data", c.baseURL, s.siteID, url.PathEscape(a.ID))
		return c.do(ctx, http.MethodGet, u, "view data", s, nil, bodyFunc(func(body io.Reader) error {
			var err error
			table, err = readTable(a, body, c.cfg.MaxRows)
			return err
		}))
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}
