package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/likegate/likegate/internal/ratelimit"
	"github.com/rs/zerolog/log"
)

// Dispatcher serializes outbound calls. Satisfied by scheduler.Scheduler.
type Dispatcher interface {
	Enqueue(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Signer produces an OAuth Authorization header for a request.
type Signer interface {
	Sign(method, rawURL string, params url.Values, token, tokenSecret string) (string, error)
}

// Client issues every gateway call to the upstream API: it builds requests,
// injects the API key or a signed Authorization header, dispatches through
// the scheduler, and ingests rate-limit headers from every response.
type Client struct {
	baseURL    string
	apiKey     string
	dispatcher Dispatcher
	signer     Signer
	tracker    *ratelimit.Tracker
	daily      *ratelimit.DailyCounter
}

func New(baseURL, apiKey string, dispatcher Dispatcher, signer Signer, tracker *ratelimit.Tracker, daily *ratelimit.DailyCounter) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		dispatcher: dispatcher,
		signer:     signer,
		tracker:    tracker,
		daily:      daily,
	}
}

// Get performs an unauthenticated API-key read of an API path and returns the
// response body.
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	q := url.Values{}
	for k, vs := range query {
		q[k] = vs
	}
	q.Set("api_key", c.apiKey)

	requestURL := c.baseURL + path + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", path, err)
	}

	return c.do(ctx, req, false)
}

// DoSigned performs an OAuth-signed call. rawURL may be an absolute URL (the
// authorization endpoints live off the API base) or an API path. Params are
// sent as query parameters and included in the signature. An empty
// tokenSecret is valid during the request-token leg.
func (c *Client) DoSigned(ctx context.Context, method, rawURL string, params url.Values, token, tokenSecret string) ([]byte, error) {
	if c.signer == nil {
		return nil, &AuthenticationError{Reason: "no signer configured"}
	}

	if !strings.Contains(rawURL, "://") {
		rawURL = c.baseURL + rawURL
	}

	authorization, err := c.signer.Sign(method, rawURL, params, token, tokenSecret)
	if err != nil {
		return nil, fmt.Errorf("signing %s %s: %w", method, rawURL, err)
	}

	requestURL := rawURL
	if len(params) > 0 {
		requestURL = rawURL + "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	req.Header.Set("Authorization", authorization)

	return c.do(ctx, req, true)
}

// do dispatches the request and maps the response onto the error taxonomy.
// Rate headers are ingested on every response that arrives, including
// failures: a 429 still tells us where the quota stands.
func (c *Client) do(ctx context.Context, req *http.Request, credentialed bool) ([]byte, error) {
	resp, err := c.dispatcher.Enqueue(ctx, req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	c.tracker.Ingest(resp.Header)
	if c.daily != nil {
		c.daily.RecordCall(time.Now())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20)) // 10 MB
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &QuotaExceededError{RetryAfter: retryAfter(resp.Header)}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		reason := "credential rejected"
		if !credentialed {
			reason = "API key rejected"
		}
		log.Info().Int("status", resp.StatusCode).Str("url", req.URL.Path).Msg("upstream rejected credentials")
		return nil, &AuthenticationError{Reason: reason}

	default:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}

func retryAfter(headers http.Header) time.Duration {
	raw := headers.Get("Retry-After")
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// Like is a single liked post. Timestamp orders the likes stream; the rest
// of the post passes through untouched.
type Like struct {
	Timestamp int64
	Raw       json.RawMessage
}

// LikesPage is one page of the likes collection.
type LikesPage struct {
	Likes      []Like
	TotalCount int
}

// LikesQuery addresses one page of likes. Exactly one of Offset / Before /
// After is meaningful per call; Limit is the page size.
type LikesQuery struct {
	Offset *int
	Before *int64
	After  *int64
	Limit  int
}

func (q LikesQuery) values() url.Values {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	switch {
	case q.Offset != nil:
		v.Set("offset", strconv.Itoa(*q.Offset))
	case q.Before != nil:
		v.Set("before", strconv.FormatInt(*q.Before, 10))
	case q.After != nil:
		v.Set("after", strconv.FormatInt(*q.After, 10))
	}
	return v
}

// envelope is the upstream's standard response wrapper.
type envelope struct {
	Response json.RawMessage `json:"response"`
}

type likesResponse struct {
	LikedPosts []json.RawMessage `json:"liked_posts"`
	LikedCount int               `json:"liked_count"`
}

type likeTimestamp struct {
	Timestamp int64 `json:"timestamp"`
}

// BlogInfo returns the raw info payload for a blog.
func (c *Client) BlogInfo(ctx context.Context, blogID string) (json.RawMessage, error) {
	return c.getResponse(ctx, fmt.Sprintf("/blog/%s/info", url.PathEscape(blogID)), nil)
}

// BlogPosts returns the raw posts payload for a blog.
func (c *Client) BlogPosts(ctx context.Context, blogID string, query url.Values) (json.RawMessage, error) {
	return c.getResponse(ctx, fmt.Sprintf("/blog/%s/posts", url.PathEscape(blogID)), query)
}

// BlogNotes returns the raw notes payload for a post.
func (c *Client) BlogNotes(ctx context.Context, blogID string, query url.Values) (json.RawMessage, error) {
	return c.getResponse(ctx, fmt.Sprintf("/blog/%s/notes", url.PathEscape(blogID)), query)
}

// BlogLikes fetches one page of a blog's likes per the query.
func (c *Client) BlogLikes(ctx context.Context, blogID string, query LikesQuery) (LikesPage, error) {
	body, err := c.getResponse(ctx, fmt.Sprintf("/blog/%s/likes", url.PathEscape(blogID)), query.values())
	if err != nil {
		return LikesPage{}, err
	}

	return ParseLikesPage(body)
}

// ParseLikesPage decodes a likes response payload into a LikesPage.
func ParseLikesPage(payload []byte) (LikesPage, error) {
	var lr likesResponse
	if err := json.Unmarshal(payload, &lr); err != nil {
		return LikesPage{}, fmt.Errorf("decoding likes payload: %w", err)
	}

	page := LikesPage{
		Likes:      make([]Like, 0, len(lr.LikedPosts)),
		TotalCount: lr.LikedCount,
	}

	for _, raw := range lr.LikedPosts {
		var ts likeTimestamp
		if err := json.Unmarshal(raw, &ts); err != nil {
			return LikesPage{}, fmt.Errorf("decoding liked post: %w", err)
		}
		page.Likes = append(page.Likes, Like{Timestamp: ts.Timestamp, Raw: raw})
	}

	return page, nil
}

// getResponse performs an API-key read and unwraps the response envelope.
func (c *Client) getResponse(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	body, err := c.Get(ctx, path, query)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding response envelope for %s: %w", path, err)
	}

	if env.Response == nil {
		return nil, fmt.Errorf("response envelope for %s has no payload", path)
	}

	return env.Response, nil
}
