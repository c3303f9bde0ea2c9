package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/likegate/likegate/internal/cache"
	"github.com/likegate/likegate/internal/encryption"
	"github.com/likegate/likegate/internal/oauth"
	"github.com/likegate/likegate/internal/pagination"
	"github.com/likegate/likegate/internal/ratelimit"
	"github.com/likegate/likegate/internal/upstream"
	"github.com/rs/zerolog/log"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// blogReader is the read-only slice of the upstream client the proxy
// handlers need. Satisfied by upstream.Client.
type blogReader interface {
	BlogInfo(ctx context.Context, blogID string) (json.RawMessage, error)
	BlogPosts(ctx context.Context, blogID string, query url.Values) (json.RawMessage, error)
	BlogNotes(ctx context.Context, blogID string, query url.Values) (json.RawMessage, error)
}

// authorizer is the slice of the OAuth flow the auth handlers need.
type authorizer interface {
	BeginAuthorization(ctx context.Context) (oauth.Authorization, error)
	CompleteAuthorization(ctx context.Context, requestToken, verifier string) (oauth.Grant, error)
}

// wireCredential is the plaintext serialized inside an encrypted credential
// blob. The gateway never persists it; collaborators hold the blob and hand
// it back on authenticated calls.
type wireCredential struct {
	Token       string `json:"token"`
	TokenSecret string `json:"tokenSecret"`
	Identity    string `json:"identity,omitempty"`
}

func handleBlogInfo(api blogReader, responses *cache.Response, ttl time.Duration, tracker *ratelimit.Tracker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		blogID := r.PathValue("id")

		payload, err := cachedRead(r.Context(), responses, "info:"+blogID, ttl, func(ctx context.Context) (json.RawMessage, error) {
			return api.BlogInfo(ctx, blogID)
		})
		if err != nil {
			writeUpstreamError(w, tracker, err)
			return
		}

		writeJSON(w, tracker, payload)
	})
}

func handleBlogPosts(api blogReader, responses *cache.Response, ttl time.Duration, tracker *ratelimit.Tracker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		blogID := r.PathValue("id")
		query := passthroughQuery(r)

		key := "posts:" + blogID + "?" + query.Encode()
		payload, err := cachedRead(r.Context(), responses, key, ttl, func(ctx context.Context) (json.RawMessage, error) {
			return api.BlogPosts(ctx, blogID, query)
		})
		if err != nil {
			writeUpstreamError(w, tracker, err)
			return
		}

		writeJSON(w, tracker, payload)
	})
}

func handleBlogNotes(api blogReader, responses *cache.Response, ttl time.Duration, tracker *ratelimit.Tracker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		blogID := r.PathValue("id")
		query := passthroughQuery(r)

		key := "notes:" + blogID + "?" + query.Encode()
		payload, err := cachedRead(r.Context(), responses, key, ttl, func(ctx context.Context) (json.RawMessage, error) {
			return api.BlogNotes(ctx, blogID, query)
		})
		if err != nil {
			writeUpstreamError(w, tracker, err)
			return
		}

		writeJSON(w, tracker, payload)
	})
}

// likesResponse is the proxy's paged likes payload.
type likesResponse struct {
	Items      []json.RawMessage `json:"items"`
	TotalCount int               `json:"totalCount"`
	HasMore    bool              `json:"hasMore"`
	Cursor     pagination.Cursor `json:"cursor"`
}

func handleBlogLikes(sessions *pagination.Sessions, tracker *ratelimit.Tracker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		blogID := r.PathValue("id")

		page, err := queryInt(r, "page", 1)
		if err != nil || page < 1 {
			writeJSONError(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}

		pageSize, err := queryInt(r, "pageSize", 20)
		if err != nil || pageSize < 1 || pageSize > pagination.MaxPageSize {
			writeJSONError(w, http.StatusBadRequest,
				"pageSize must be between 1 and "+strconv.Itoa(pagination.MaxPageSize))
			return
		}

		engine, err := sessions.For(blogID, pageSize)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := engine.FetchPage(r.Context(), page)
		if err != nil {
			writeUpstreamError(w, tracker, err)
			return
		}

		items := make([]json.RawMessage, 0, len(result.Items))
		for _, like := range result.Items {
			items = append(items, like.Raw)
		}

		body, err := json.Marshal(likesResponse{
			Items:      items,
			TotalCount: result.TotalCount,
			HasMore:    result.HasMore,
			Cursor:     result.Cursor,
		})
		if err != nil {
			requestError(w, http.StatusInternalServerError)
			return
		}

		writeJSON(w, tracker, body)
	})
}

func handleAuthConnect(flow authorizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		authorization, err := flow.BeginAuthorization(r.Context())
		if err != nil {
			status, message := errorStatus(err)
			log.Info().Err(err).Msg("authorization start failed")
			writeJSONError(w, status, message)
			return
		}

		body, err := json.Marshal(struct {
			AuthorizeURL string `json:"authorizeUrl"`
			RequestToken string `json:"requestToken"`
		}{
			AuthorizeURL: authorization.AuthorizeURL,
			RequestToken: authorization.RequestToken,
		})
		if err != nil {
			requestError(w, http.StatusInternalServerError)
			return
		}

		writeJSON(w, nil, body)
	})
}

func handleAuthCallback(flow authorizer, cipher *encryption.Cipher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		// the upstream redirect supplies these in the query; a relaying
		// collaborator may also post them as form values
		requestToken := r.FormValue("oauth_token")
		verifier := r.FormValue("oauth_verifier")

		grant, err := flow.CompleteAuthorization(r.Context(), requestToken, verifier)
		if err != nil {
			status, message := errorStatus(err)
			log.Info().Err(err).Msg("authorization completion failed")
			writeJSONError(w, status, message)
			return
		}

		blob, err := sealCredential(cipher, grant)
		if err != nil {
			log.Info().Err(err).Msg("credential encryption failed")
			requestError(w, http.StatusInternalServerError)
			return
		}

		body, err := json.Marshal(struct {
			Identity   string `json:"identity"`
			Credential string `json:"credential"`
		}{
			Identity:   grant.Identity,
			Credential: blob,
		})
		if err != nil {
			requestError(w, http.StatusInternalServerError)
			return
		}

		writeJSON(w, nil, body)
	})
}

func handleAuthDisconnect(cipher *encryption.Cipher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var request struct {
			Credential string `json:"credential"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Credential == "" {
			writeJSONError(w, http.StatusBadRequest, "request must carry the credential blob")
			return
		}

		credential, err := openCredential(cipher, request.Credential)
		if err != nil {
			log.Info().Err(err).Msg("disconnect rejected: credential blob did not verify")
			writeJSONError(w, http.StatusUnauthorized, "credential rejected")
			return
		}

		// the gateway holds no server-side credential state; verifying and
		// discarding the blob is the whole disconnect
		log.Info().Str("identity", credential.Identity).Msg("credential disconnected")
		w.WriteHeader(http.StatusNoContent)
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// sealCredential encrypts a grant into the opaque blob handed to the
// collaborator.
func sealCredential(cipher *encryption.Cipher, grant oauth.Grant) (string, error) {
	plaintext, err := json.Marshal(wireCredential{
		Token:       grant.Credential.Token,
		TokenSecret: grant.Credential.TokenSecret,
		Identity:    grant.Identity,
	})
	if err != nil {
		return "", err
	}

	return cipher.Encrypt(string(plaintext))
}

// openCredential decrypts and decodes a credential blob received from a
// collaborator. Integrity failures surface as-is so callers can map them to
// an authentication failure.
func openCredential(cipher *encryption.Cipher, blob string) (wireCredential, error) {
	plaintext, err := cipher.Decrypt(blob)
	if err != nil {
		return wireCredential{}, err
	}

	var credential wireCredential
	if err := json.Unmarshal([]byte(plaintext), &credential); err != nil {
		return wireCredential{}, err
	}

	return credential, nil
}

// cachedRead serves an idempotent upstream read through the response cache.
// A nil cache or non-positive TTL disables caching.
func cachedRead(ctx context.Context, responses *cache.Response, key string, ttl time.Duration, fetch func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if responses != nil {
		if cached, ok := responses.Get(key); ok {
			return cached, nil
		}
	}

	payload, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	if responses != nil {
		responses.Set(key, payload, ttl)
	}

	return payload, nil
}

// passthroughQuery forwards client query parameters to the upstream,
// excluding anything credential-shaped.
func passthroughQuery(r *http.Request) url.Values {
	query := url.Values{}
	for k, vs := range r.URL.Query() {
		if k == "api_key" {
			continue
		}
		query[k] = vs
	}
	return query
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// setQuotaHeaders reflects the last observed upstream quota onto the
// response. Nothing is written until the first upstream observation.
func setQuotaHeaders(h http.Header, state ratelimit.State) {
	if !state.Known {
		return
	}

	h.Set("X-RateLimit-Limit", strconv.Itoa(state.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(state.Remaining))
	if state.ResetKnown {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(state.ResetAt.Unix(), 10))
	}
}

func writeJSON(w http.ResponseWriter, tracker *ratelimit.Tracker, body []byte) {
	if tracker != nil {
		setQuotaHeaders(w.Header(), tracker.CurrentState())
	}
	w.Header().Set("Content-Type", "application/json")

	if _, err := w.Write(body); err != nil {
		// trying to respond to the client at this point will likely fail
		log.Info().Err(err).Msg("failed to write response")
	}
}

// writeUpstreamError maps an upstream call failure onto the proxy response,
// carrying quota headers and Retry-After where they apply.
func writeUpstreamError(w http.ResponseWriter, tracker *ratelimit.Tracker, err error) {
	if tracker != nil {
		setQuotaHeaders(w.Header(), tracker.CurrentState())
	}

	var quota *upstream.QuotaExceededError
	if errors.As(err, &quota) && quota.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(quota.RetryAfter.Seconds())))
	}

	status, message := errorStatus(err)
	log.Info().Err(err).Int("status", status).Msg("upstream call failed")
	writeJSONError(w, status, message)
}

// requestLogger records each handled request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{Error: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5kb max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
