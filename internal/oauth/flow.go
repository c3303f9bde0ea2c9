package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/likegate/likegate/internal/cache"
	"github.com/likegate/likegate/internal/upstream"
	"github.com/rs/zerolog/log"
)

// requestTokenTTL bounds how long a begun authorization may wait for the end
// user; the upstream expires its side in roughly the same window.
const requestTokenTTL = 15 * time.Minute

// Requester issues signed upstream calls. Satisfied by upstream.Client.
type Requester interface {
	DoSigned(ctx context.Context, method, rawURL string, params url.Values, token, tokenSecret string) ([]byte, error)
}

// Endpoints locates the three authorization endpoints and the identity
// lookup. The authorization endpoints live off the API base URL.
type Endpoints struct {
	RequestTokenURL string
	AuthorizeURL    string
	AccessTokenURL  string
	IdentityURL     string
}

// Credential is a permanent token pair for one authorized user. The gateway
// holds it in memory only; persistence goes through the credential cipher at
// the storage boundary.
type Credential struct {
	Token       string
	TokenSecret string
	ObtainedAt  time.Time
}

// Authorization is the outcome of the first leg: the URL the end user must
// visit, plus the temporary token pair.
type Authorization struct {
	RequestToken       string
	RequestTokenSecret string
	AuthorizeURL       string
}

// Grant is the outcome of the final leg.
type Grant struct {
	Credential Credential
	Identity   string
}

// Flow drives the three-legged authorization exchange. Every upstream call
// is signed and dispatched through the request scheduler via the Requester.
type Flow struct {
	requester   Requester
	endpoints   Endpoints
	callbackURL string

	// pending maps a request token to its secret between the two legs.
	pending *cache.Memory[string]

	now func() time.Time
}

func NewFlow(requester Requester, endpoints Endpoints, callbackURL string) (*Flow, error) {
	pending, err := cache.NewMemory[string](requestTokenTTL, 1000)
	if err != nil {
		return nil, fmt.Errorf("creating pending token store: %w", err)
	}

	return &Flow{
		requester:   requester,
		endpoints:   endpoints,
		callbackURL: callbackURL,
		pending:     pending,
		now:         time.Now,
	}, nil
}

// BeginAuthorization obtains temporary credentials and builds the URL the
// end user must visit to approve access.
func (f *Flow) BeginAuthorization(ctx context.Context) (Authorization, error) {
	body, err := f.requester.DoSigned(ctx, http.MethodPost, f.endpoints.RequestTokenURL,
		url.Values{"oauth_callback": {f.callbackURL}}, "", "")
	if err != nil {
		return Authorization{}, fmt.Errorf("requesting temporary credentials: %w", err)
	}

	token, secret, err := parseTokenResponse(body)
	if err != nil {
		return Authorization{}, fmt.Errorf("parsing request token response: %w", err)
	}

	f.pending.Set(token, secret)

	authorizeURL := f.endpoints.AuthorizeURL + "?oauth_token=" + url.QueryEscape(token)

	log.Info().Msg("authorization started, awaiting user approval")

	return Authorization{
		RequestToken:       token,
		RequestTokenSecret: secret,
		AuthorizeURL:       authorizeURL,
	}, nil
}

// CompleteAuthorization exchanges a user-approved request token and verifier
// for permanent credentials, then resolves the authorizing identity.
func (f *Flow) CompleteAuthorization(ctx context.Context, requestToken, verifier string) (Grant, error) {
	if requestToken == "" || verifier == "" {
		return Grant{}, &upstream.AuthenticationError{Reason: "missing request token or verifier"}
	}

	secret, ok := f.pending.Get(requestToken)
	if !ok {
		return Grant{}, &upstream.AuthenticationError{Reason: "unknown or expired request token"}
	}

	body, err := f.requester.DoSigned(ctx, http.MethodPost, f.endpoints.AccessTokenURL,
		url.Values{"oauth_verifier": {verifier}}, requestToken, secret)
	if err != nil {
		return Grant{}, fmt.Errorf("exchanging for access token: %w", err)
	}

	accessToken, accessSecret, err := parseTokenResponse(body)
	if err != nil {
		return Grant{}, fmt.Errorf("parsing access token response: %w", err)
	}

	// the temporary credential is single-use
	f.pending.Invalidate(requestToken)

	credential := Credential{
		Token:       accessToken,
		TokenSecret: accessSecret,
		ObtainedAt:  f.now(),
	}

	identity, err := f.resolveIdentity(ctx, credential)
	if err != nil {
		return Grant{}, fmt.Errorf("resolving authorized identity: %w", err)
	}

	log.Info().Str("identity", identity).Msg("authorization complete")

	return Grant{Credential: credential, Identity: identity}, nil
}

func (f *Flow) resolveIdentity(ctx context.Context, credential Credential) (string, error) {
	if f.endpoints.IdentityURL == "" {
		return "", nil
	}

	body, err := f.requester.DoSigned(ctx, http.MethodGet, f.endpoints.IdentityURL, nil,
		credential.Token, credential.TokenSecret)
	if err != nil {
		return "", err
	}

	var payload struct {
		Response struct {
			User struct {
				Name string `json:"name"`
			} `json:"user"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decoding identity response: %w", err)
	}

	return payload.Response.User.Name, nil
}

func parseTokenResponse(body []byte) (token, secret string, err error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return "", "", fmt.Errorf("malformed token response: %w", err)
	}

	token = values.Get("oauth_token")
	secret = values.Get("oauth_token_secret")
	if token == "" || secret == "" {
		return "", "", fmt.Errorf("token response missing oauth_token or oauth_token_secret")
	}

	return token, secret, nil
}
