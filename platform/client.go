// Package platform is a JSON client for the hosted marketplace platform.
// Integration calls authenticate with client credentials; user-scoped calls
// forward the caller's own access token.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"taskmarket/metrics"
)

const (
	DefaultBaseURL            = "https://flex-api.sharetribe.com"
	DefaultIntegrationBaseURL = "https://flex-integ-api.sharetribe.com"

	tokenPath           = "/v1/auth/token"
	marketplacePrefix   = "/v1/api/"
	integrationPrefix   = "/v1/integration_api/"
	integrationScope    = "integ"
	anonymousScope      = "public-read"
	defaultTimeout      = 15 * time.Second
	maxErrorBodyForLogs = 4096
)

type Config struct {
	BaseURL                 string
	IntegrationBaseURL      string
	ClientID                string
	ClientSecret            string
	IntegrationClientID     string
	IntegrationClientSecret string
	Timeout                 time.Duration
}

type Client struct {
	cfg     Config
	http    *http.Client
	integ   oauth2.TokenSource
	anon    oauth2.TokenSource
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Client)

// WithHTTPClient overrides the transport used for API and token calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.IntegrationBaseURL == "" {
		cfg.IntegrationBaseURL = DefaultIntegrationBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.IntegrationBaseURL = strings.TrimRight(cfg.IntegrationBaseURL, "/")

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	// Token fetches reuse the API transport.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.http)
	if cfg.IntegrationClientID != "" && cfg.IntegrationClientSecret != "" {
		c.integ = (&clientcredentials.Config{
			ClientID:     cfg.IntegrationClientID,
			ClientSecret: cfg.IntegrationClientSecret,
			TokenURL:     cfg.IntegrationBaseURL + tokenPath,
			Scopes:       []string{integrationScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		}).TokenSource(tokenCtx)
	}
	if cfg.ClientID != "" {
		c.anon = (&clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.BaseURL + tokenPath,
			Scopes:       []string{anonymousScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		}).TokenSource(tokenCtx)
	}
	return c
}

// HasIntegrationCredentials reports whether privileged calls can be made.
func (c *Client) HasIntegrationCredentials() bool {
	return c.integ != nil
}

// ShowUser fetches a user through the Integration API.
func (c *Client) ShowUser(ctx context.Context, userID string) (User, error) {
	var doc Document[User]
	q := url.Values{"id": {userID}}
	err := c.integration(ctx, "users.show", http.MethodGet, "users/show", q, nil, &doc)
	return doc.Data, err
}

// UpdateUserProfile patches a user's profile through the Integration API.
func (c *Client) UpdateUserProfile(ctx context.Context, userID string, patch ProfilePatch) (User, error) {
	body := struct {
		ID string `json:"id"`
		ProfilePatch
	}{ID: userID, ProfilePatch: patch}

	var doc Document[User]
	q := url.Values{"expand": {"true"}}
	err := c.integration(ctx, "users.update_profile", http.MethodPost, "users/update_profile", q, body, &doc)
	return doc.Data, err
}

// ShowTransaction fetches one transaction through the Integration API.
func (c *Client) ShowTransaction(ctx context.Context, txID string, include []string) (Transaction, error) {
	var doc Document[Transaction]
	q := url.Values{"id": {txID}}
	if len(include) > 0 {
		q.Set("include", strings.Join(include, ","))
	}
	err := c.integration(ctx, "transactions.show", http.MethodGet, "transactions/show", q, nil, &doc)
	return doc.Data, err
}

// QueryTransactions runs a marketplace-wide transactions query.
func (c *Client) QueryTransactions(ctx context.Context, query TransactionQuery) (Document[[]Transaction], error) {
	var doc Document[[]Transaction]
	err := c.integration(ctx, "transactions.query", http.MethodGet, "transactions/query", query.values(), nil, &doc)
	return doc, err
}

// Transition runs a transition with operator privileges.
func (c *Client) Transition(ctx context.Context, body TransitionBody, include []string) (TransitionResult, error) {
	return c.transition(ctx, "transactions/transition", body, include)
}

// TransitionSpeculative dry-runs a transition with operator privileges.
func (c *Client) TransitionSpeculative(ctx context.Context, body TransitionBody, include []string) (TransitionResult, error) {
	return c.transition(ctx, "transactions/transition_speculative", body, include)
}

func (c *Client) transition(ctx context.Context, path string, body TransitionBody, include []string) (TransitionResult, error) {
	if body.Params == nil {
		body.Params = map[string]any{}
	}
	q := url.Values{"expand": {"true"}}
	if len(include) > 0 {
		q.Set("include", strings.Join(include, ","))
	}

	var raw json.RawMessage
	status, err := c.doIntegration(ctx, strings.ReplaceAll(path, "/", "."), http.MethodPost, path, q, body, &raw)
	if err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Status: status, StatusText: http.StatusText(status), Data: raw}, nil
}

// CurrentUser resolves the owner of userToken.
func (c *Client) CurrentUser(ctx context.Context, userToken string) (User, error) {
	var doc Document[User]
	err := c.marketplace(ctx, "current_user.show", userToken, http.MethodGet, "current_user/show", nil, nil, &doc)
	return doc.Data, err
}

// UpdateCurrentUserProfile patches the profile of the owner of userToken.
func (c *Client) UpdateCurrentUserProfile(ctx context.Context, userToken string, patch ProfilePatch) (User, error) {
	var doc Document[User]
	q := url.Values{"expand": {"true"}}
	err := c.marketplace(ctx, "current_user.update_profile", userToken, http.MethodPost, "current_user/update_profile", q, patch, &doc)
	return doc.Data, err
}

// QueryOwnTransactions lists transactions the owner of userToken takes part in.
func (c *Client) QueryOwnTransactions(ctx context.Context, userToken string, query TransactionQuery) (Document[[]Transaction], error) {
	var doc Document[[]Transaction]
	err := c.marketplace(ctx, "own_transactions.query", userToken, http.MethodGet, "transactions/query", query.values(), nil, &doc)
	return doc, err
}

// CreateUser signs up a new user with an anonymous marketplace token.
// IdP-confirmed signups go to the idp endpoint.
func (c *Client) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if c.anon == nil {
		return User{}, ErrCredentialsMissing
	}
	tok, err := c.anon.Token()
	if err != nil {
		c.metrics.PlatformCall("current_user.create", err)
		return User{}, fmt.Errorf("platform: anonymous token: %w", err)
	}

	path := "current_user/create"
	if params.IDPToken != "" {
		path = "current_user/create_with_idp"
	}

	var doc Document[User]
	q := url.Values{"expand": {"true"}}
	err = c.marketplace(ctx, "current_user.create", tok.AccessToken, http.MethodPost, path, q, params, &doc)
	return doc.Data, err
}

func (c *Client) integration(ctx context.Context, op, method, path string, q url.Values, body, out any) error {
	_, err := c.doIntegration(ctx, op, method, path, q, body, out)
	return err
}

func (c *Client) doIntegration(ctx context.Context, op, method, path string, q url.Values, body, out any) (int, error) {
	if c.integ == nil {
		return 0, ErrCredentialsMissing
	}
	tok, err := c.integ.Token()
	if err != nil {
		c.metrics.PlatformCall(op, err)
		return 0, fmt.Errorf("platform: integration token: %w", err)
	}
	return c.do(ctx, op, tok.AccessToken, method, c.cfg.IntegrationBaseURL+integrationPrefix+path, q, body, out)
}

func (c *Client) marketplace(ctx context.Context, op, token, method, path string, q url.Values, body, out any) error {
	if token == "" {
		return ErrUnauthenticated
	}
	_, err := c.do(ctx, op, token, method, c.cfg.BaseURL+marketplacePrefix+path, q, body, out)
	return err
}

func (c *Client) do(ctx context.Context, op, token, method, endpoint string, q url.Values, body, out any) (status int, err error) {
	defer func() { c.metrics.PlatformCall(op, err) }()

	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("platform: %s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("platform: %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("platform: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := decodeError(resp)
		c.logger.Warn("platform call failed",
			zap.String("operation", op),
			zap.Int("status", apiErr.Status),
			zap.String("code", apiErr.Code),
		)
		return resp.StatusCode, apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("platform: %s: decode response: %w", op, err)
		}
	}
	return resp.StatusCode, nil
}

func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyForLogs))
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Errors) > 0 {
		first := env.Errors[0]
		apiErr.Code = first.Code
		if first.Title != "" {
			apiErr.Title = first.Title
		}
	}
	return apiErr
}

func (q TransactionQuery) values() url.Values {
	v := url.Values{}
	if q.Only != "" {
		v.Set("only", q.Only)
	}
	if len(q.LastTransitions) > 0 {
		v.Set("lastTransitions", strings.Join(q.LastTransitions, ","))
	}
	if len(q.Include) > 0 {
		v.Set("include", strings.Join(q.Include, ","))
	}
	for resource, fields := range q.Fields {
		v.Set("fields."+resource, strings.Join(fields, ","))
	}
	if q.Sort != "" {
		v.Set("sort", q.Sort)
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.PerPage > 0 {
		v.Set("perPage", strconv.Itoa(q.PerPage))
	}
	return v
}
