package oauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signer computes OAuth 1.0a HMAC-SHA1 request signatures. Nonce and
// timestamp are freshly generated for every call so the upstream never sees
// a replay; both are injectable for deterministic tests.
type Signer struct {
	consumerKey    string
	consumerSecret string

	nonce func() (string, error)
	now   func() time.Time
}

type SignerOption func(*Signer)

// WithNonceSource overrides nonce generation.
func WithNonceSource(nonce func() (string, error)) SignerOption {
	return func(s *Signer) { s.nonce = nonce }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

func NewSigner(consumerKey, consumerSecret string, opts ...SignerOption) *Signer {
	s := &Signer{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		nonce:          randomNonce,
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Sign produces the Authorization header value for a request. Params must
// contain every request parameter that travels in the query string or a
// form-encoded body; oauth_* entries among them are treated as protocol
// parameters and emitted in the header as well. An empty tokenSecret is
// valid during the request-token leg.
func (s *Signer) Sign(method, rawURL string, params url.Values, token, tokenSecret string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing URL for signing: %w", err)
	}

	nonce, err := s.nonce()
	if err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	protocol := map[string]string{
		"oauth_consumer_key":     s.consumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_version":          "1.0",
	}
	if token != "" {
		protocol["oauth_token"] = token
	}
	for key, values := range params {
		if strings.HasPrefix(key, "oauth_") && len(values) > 0 {
			protocol[key] = values[0]
		}
	}

	signature := s.signature(method, u, params, protocol, tokenSecret)

	return authorizationHeader(protocol, signature), nil
}

// signature computes the base-string signature: uppercased method, encoded
// base URL, and the encoded, sorted parameter string, HMAC-SHA1 keyed with
// "consumerSecret&tokenSecret".
func (s *Signer) signature(method string, u *url.URL, params url.Values, protocol map[string]string, tokenSecret string) string {
	type pair struct{ key, value string }

	var pairs []pair
	collect := func(key, value string) {
		pairs = append(pairs, pair{percentEncode(key), percentEncode(value)})
	}

	for key, values := range u.Query() {
		for _, v := range values {
			collect(key, v)
		}
	}
	for key, values := range params {
		if strings.HasPrefix(key, "oauth_") {
			continue // already captured as a protocol parameter
		}
		for _, v := range values {
			collect(key, v)
		}
	}
	for key, value := range protocol {
		collect(key, value)
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	encoded := make([]string, len(pairs))
	for i, p := range pairs {
		encoded[i] = p.key + "=" + p.value
	}
	paramString := strings.Join(encoded, "&")

	base := strings.ToUpper(method) +
		"&" + percentEncode(baseURL(u)) +
		"&" + percentEncode(paramString)

	key := percentEncode(s.consumerSecret) + "&" + percentEncode(tokenSecret)

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// baseURL normalizes the URL for the signature base string: lowercased
// scheme and host, default ports dropped, query and fragment excluded.
func baseURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)

	if scheme == "http" {
		host = strings.TrimSuffix(host, ":80")
	} else if scheme == "https" {
		host = strings.TrimSuffix(host, ":443")
	}

	return scheme + "://" + host + u.EscapedPath()
}

func authorizationHeader(protocol map[string]string, signature string) string {
	keys := make([]string, 0, len(protocol)+1)
	for key := range protocol {
		keys = append(keys, key)
	}
	keys = append(keys, "oauth_signature")
	sort.Strings(keys)

	entries := make([]string, 0, len(keys))
	for _, key := range keys {
		value := protocol[key]
		if key == "oauth_signature" {
			value = signature
		}
		entries = append(entries, fmt.Sprintf("%s=%q", percentEncode(key), percentEncode(value)))
	}

	return "OAuth " + strings.Join(entries, ", ")
}

// percentEncode escapes per RFC 3986: everything but unreserved characters.
// url.QueryEscape is not suitable here (it emits "+" for spaces).
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
