package oauth

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/likegate/likegate/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRequester struct {
	responses map[string][]byte
	errs      map[string]error
	calls     []string
	params    map[string]url.Values
	tokens    map[string]string
	secrets   map[string]string
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{
		responses: map[string][]byte{},
		errs:      map[string]error{},
		params:    map[string]url.Values{},
		tokens:    map[string]string{},
		secrets:   map[string]string{},
	}
}

func (f *fakeRequester) DoSigned(_ context.Context, _, rawURL string, params url.Values, token, tokenSecret string) ([]byte, error) {
	f.calls = append(f.calls, rawURL)
	f.params[rawURL] = params
	f.tokens[rawURL] = token
	f.secrets[rawURL] = tokenSecret

	if err := f.errs[rawURL]; err != nil {
		return nil, err
	}
	return f.responses[rawURL], nil
}

var testEndpoints = Endpoints{
	RequestTokenURL: "https://www.upstream.example/oauth/request_token",
	AuthorizeURL:    "https://www.upstream.example/oauth/authorize",
	AccessTokenURL:  "https://www.upstream.example/oauth/access_token",
	IdentityURL:     "https://api.upstream.example/v2/user/info",
}

const testCallback = "https://example.com/auth/callback"

func TestBeginAuthorization(t *testing.T) {
	requester := newFakeRequester()
	requester.responses[testEndpoints.RequestTokenURL] = []byte("oauth_token=req-token&oauth_token_secret=req-secret")

	flow, err := NewFlow(requester, testEndpoints, testCallback)
	require.NoError(t, err)

	auth, err := flow.BeginAuthorization(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "req-token", auth.RequestToken)
	assert.Equal(t, "req-secret", auth.RequestTokenSecret)
	assert.Equal(t, testEndpoints.AuthorizeURL+"?oauth_token=req-token", auth.AuthorizeURL)

	// the first leg is signed with no token secret and carries the callback
	assert.Empty(t, requester.secrets[testEndpoints.RequestTokenURL])
	assert.Equal(t, testCallback, requester.params[testEndpoints.RequestTokenURL].Get("oauth_callback"))
}

func TestBeginAuthorization_MalformedResponse(t *testing.T) {
	requester := newFakeRequester()
	requester.responses[testEndpoints.RequestTokenURL] = []byte("oauth_token=only-token")

	flow, err := NewFlow(requester, testEndpoints, testCallback)
	require.NoError(t, err)

	_, err = flow.BeginAuthorization(context.Background())
	assert.ErrorContains(t, err, "missing oauth_token")
}

func TestCompleteAuthorization(t *testing.T) {
	requester := newFakeRequester()
	requester.responses[testEndpoints.RequestTokenURL] = []byte("oauth_token=req-token&oauth_token_secret=req-secret")
	requester.responses[testEndpoints.AccessTokenURL] = []byte("oauth_token=access-token&oauth_token_secret=access-secret")
	requester.responses[testEndpoints.IdentityURL] = []byte(`{"response":{"user":{"name":"blog-owner"}}}`)

	flow, err := NewFlow(requester, testEndpoints, testCallback)
	require.NoError(t, err)

	_, err = flow.BeginAuthorization(context.Background())
	require.NoError(t, err)

	grant, err := flow.CompleteAuthorization(context.Background(), "req-token", "verifier-value")
	require.NoError(t, err)

	assert.Equal(t, "access-token", grant.Credential.Token)
	assert.Equal(t, "access-secret", grant.Credential.TokenSecret)
	assert.False(t, grant.Credential.ObtainedAt.IsZero())
	assert.Equal(t, "blog-owner", grant.Identity)

	// the exchange leg is signed with the pending request token pair
	assert.Equal(t, "req-token", requester.tokens[testEndpoints.AccessTokenURL])
	assert.Equal(t, "req-secret", requester.secrets[testEndpoints.AccessTokenURL])
	assert.Equal(t, "verifier-value", requester.params[testEndpoints.AccessTokenURL].Get("oauth_verifier"))

	// the identity lookup is signed with the new access credentials
	assert.Equal(t, "access-token", requester.tokens[testEndpoints.IdentityURL])
}

func TestCompleteAuthorization_UnknownRequestToken(t *testing.T) {
	flow, err := NewFlow(newFakeRequester(), testEndpoints, testCallback)
	require.NoError(t, err)

	_, err = flow.CompleteAuthorization(context.Background(), "never-begun", "verifier")

	var authErr *upstream.AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}

func TestCompleteAuthorization_MissingVerifier(t *testing.T) {
	flow, err := NewFlow(newFakeRequester(), testEndpoints, testCallback)
	require.NoError(t, err)

	_, err = flow.CompleteAuthorization(context.Background(), "req-token", "")

	var authErr *upstream.AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}

func TestCompleteAuthorization_RequestTokenSingleUse(t *testing.T) {
	requester := newFakeRequester()
	requester.responses[testEndpoints.RequestTokenURL] = []byte("oauth_token=req-token&oauth_token_secret=req-secret")
	requester.responses[testEndpoints.AccessTokenURL] = []byte("oauth_token=access-token&oauth_token_secret=access-secret")
	requester.responses[testEndpoints.IdentityURL] = []byte(`{"response":{"user":{"name":"blog-owner"}}}`)

	flow, err := NewFlow(requester, testEndpoints, testCallback)
	require.NoError(t, err)

	_, err = flow.BeginAuthorization(context.Background())
	require.NoError(t, err)

	_, err = flow.CompleteAuthorization(context.Background(), "req-token", "verifier")
	require.NoError(t, err)

	_, err = flow.CompleteAuthorization(context.Background(), "req-token", "verifier")
	var authErr *upstream.AuthenticationError
	assert.ErrorAs(t, err, &authErr, "a consumed request token must not be reusable")
}

func TestCompleteAuthorization_UpstreamRejection(t *testing.T) {
	requester := newFakeRequester()
	requester.responses[testEndpoints.RequestTokenURL] = []byte("oauth_token=req-token&oauth_token_secret=req-secret")
	requester.errs[testEndpoints.AccessTokenURL] = &upstream.AuthenticationError{Reason: "credential rejected"}

	flow, err := NewFlow(requester, testEndpoints, testCallback)
	require.NoError(t, err)

	_, err = flow.BeginAuthorization(context.Background())
	require.NoError(t, err)

	_, err = flow.CompleteAuthorization(context.Background(), "req-token", "verifier")
	var authErr *upstream.AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}

func TestBeginAuthorization_NetworkFailureSurfaced(t *testing.T) {
	requester := newFakeRequester()
	requester.errs[testEndpoints.RequestTokenURL] = &upstream.NetworkError{Err: errors.New("connection reset")}

	flow, err := NewFlow(requester, testEndpoints, testCallback)
	require.NoError(t, err)

	_, err = flow.BeginAuthorization(context.Background())
	var netErr *upstream.NetworkError
	assert.ErrorAs(t, err, &netErr)
}
