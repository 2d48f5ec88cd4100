package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/driveconv/driveconv/internal/log"
)

const defaultTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"

const defaultScope = "https://graph.microsoft.com/.default openid profile offline_access"

// OAuthTokenSourceConfig configures the OAuth refresh-token exchanger.
type OAuthTokenSourceConfig struct {
	ClientID     string
	ClientSecret string
	// TokenURL is the OAuth token endpoint. Overridable for testing.
	TokenURL string
	// Scope is the OAuth scope requested on exchange.
	Scope      string
	HTTPClient *http.Client
	Logger     log.Logger
}

func (c *OAuthTokenSourceConfig) defaults() error {
	if c.ClientID == "" {
		return fmt.Errorf("client id is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("client secret is required")
	}
	if c.TokenURL == "" {
		c.TokenURL = defaultTokenURL
	}
	if c.Scope == "" {
		c.Scope = defaultScope
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "drive.OAuthTokenSource"})
	return nil
}

// OAuthTokenSource implements TokenSource against an OAuth2 token endpoint.
// There is no retry around the exchange, a failure surfaces to the calling
// stage.
type OAuthTokenSource struct {
	clientID     string
	clientSecret string
	tokenURL     string
	scope        string
	httpClient   *http.Client
	logger       log.Logger
}

// NewOAuthTokenSource creates a new OAuth token source.
func NewOAuthTokenSource(cfg OAuthTokenSourceConfig) (*OAuthTokenSource, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &OAuthTokenSource{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     cfg.TokenURL,
		scope:        cfg.Scope,
		httpClient:   cfg.HTTPClient,
		logger:       cfg.Logger,
	}, nil
}

// Exchange trades a refresh token for a bearer access token.
func (s *OAuthTokenSource) Exchange(ctx context.Context, refreshToken string) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
		"scope":         {s.scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("could not create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", StatusError{Code: resp.StatusCode, Op: "token exchange"}
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("could not decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token response has no access token")
	}

	return body.AccessToken, nil
}
