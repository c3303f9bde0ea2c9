package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/likegate/likegate/internal/cache"
	"github.com/likegate/likegate/internal/upstream"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// OffsetCeiling is the upstream's hard bound on offset addressing: past this
// many items, only timestamp cursors work.
const OffsetCeiling = 1000

// freshnessHorizon bounds which offsets are worth caching. Deeper offset
// pages shift too much as new items are liked for a cached copy to stay
// truthful.
const freshnessHorizon = 200

// MaxPageSize is the largest page the upstream serves per call.
const MaxPageSize = 50

// Mode selects how a page is addressed.
type Mode string

const (
	ModeOffset    Mode = "offset"
	ModeTimestamp Mode = "timestamp"
)

// Cursor describes how one page was (or would be) addressed.
type Cursor struct {
	Mode            Mode  `json:"mode"`
	Offset          int   `json:"offset,omitempty"`
	BeforeTimestamp int64 `json:"beforeTimestamp,omitempty"`
	Page            int   `json:"page"`
	PageSize        int   `json:"pageSize"`
}

// Page is one fetched page of the likes collection.
type Page struct {
	Cursor     Cursor
	Items      []upstream.Like
	TotalCount int

	// HasMore is a heuristic: true iff the page came back full. An exactly
	// full final page is indistinguishable from "more exists"; this
	// ambiguity is inherited from the upstream and accepted.
	HasMore bool
}

// BoundaryError reports a jump to an absolute page beyond the offset ceiling
// without a usable cursor. Raised before any network call.
type BoundaryError struct {
	Page int
}

func (e *BoundaryError) Error() string {
	return fmt.Sprintf("page %d is beyond the offset ceiling and no cursor is available; navigate sequentially", e.Page)
}

func (e *BoundaryError) Status() (int, string) {
	return http.StatusBadRequest, "page out of reach: navigate sequentially past the offset ceiling"
}

// Source fetches likes pages. Satisfied by upstream.Client.
type Source interface {
	BlogLikes(ctx context.Context, blogID string, query upstream.LikesQuery) (upstream.LikesPage, error)
}

// Engine manages cursor state for one browsing session over one blog's
// likes. Offset addressing is used while it remains valid; past the ceiling
// the engine reconstructs timestamp cursors from the timestamps it has
// already observed, bridging through the last valid offset page when
// necessary.
type Engine struct {
	source   Source
	cache    *cache.Response
	cacheTTL time.Duration
	blogID   string
	pageSize int

	mu sync.Mutex
	// index records the timestamp of the oldest item seen on each fetched
	// page; it is what makes timestamp cursors reconstructible without
	// re-walking from page 1.
	index map[int]int64

	group singleflight.Group
}

// NewEngine creates an engine for blogID with the given page size. The
// response cache may be nil to disable page caching.
func NewEngine(source Source, responseCache *cache.Response, cacheTTL time.Duration, blogID string, pageSize int) (*Engine, error) {
	if blogID == "" {
		return nil, fmt.Errorf("blog ID required")
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return nil, fmt.Errorf("page size must be between 1 and %d, got %d", MaxPageSize, pageSize)
	}

	return &Engine{
		source:   source,
		cache:    responseCache,
		cacheTTL: cacheTTL,
		blogID:   blogID,
		pageSize: pageSize,
		index:    make(map[int]int64),
	}, nil
}

// CanJumpToPage reports whether page is directly addressable. Beyond the
// offset ceiling the upstream has no absolute cursor, so only adjacent
// navigation works there.
func (e *Engine) CanJumpToPage(page int) bool {
	return page >= 1 && (page-1)*e.pageSize < OffsetCeiling
}

// FetchPage retrieves the requested page, switching addressing mode as the
// offset ceiling requires.
func (e *Engine) FetchPage(ctx context.Context, page int) (Page, error) {
	if page < 1 {
		return Page{}, fmt.Errorf("page must be positive, got %d", page)
	}

	offset := (page - 1) * e.pageSize
	if offset < OffsetCeiling {
		return e.fetchOffsetPage(ctx, page, offset)
	}

	return e.fetchTimestampPage(ctx, page)
}

func (e *Engine) fetchOffsetPage(ctx context.Context, page, offset int) (Page, error) {
	key := fmt.Sprintf("likes:%s:%d:offset:%d", e.blogID, e.pageSize, offset)
	cacheable := e.cache != nil && offset <= freshnessHorizon

	if cacheable {
		if raw, ok := e.cache.Get(key); ok {
			likes, err := upstream.ParseLikesPage(raw)
			if err == nil {
				return e.assemble(page, Cursor{Mode: ModeOffset, Offset: offset, Page: page, PageSize: e.pageSize}, likes), nil
			}
			// a corrupt cache entry degrades to a miss
			log.Warn().Err(err).Str("key", key).Msg("discarding undecodable cached page")
			e.cache.Invalidate(key)
		}
	}

	result, err, _ := e.group.Do(key, func() (any, error) {
		likes, err := e.source.BlogLikes(ctx, e.blogID, upstream.LikesQuery{
			Offset: &offset,
			Limit:  e.pageSize,
		})
		if err != nil {
			return nil, err
		}

		if cacheable {
			if raw, err := encodeLikesPage(likes); err == nil {
				e.cache.Set(key, raw, e.cacheTTL)
			}
		}

		return likes, nil
	})
	if err != nil {
		return Page{}, err
	}

	likes := result.(upstream.LikesPage)

	return e.assemble(page, Cursor{Mode: ModeOffset, Offset: offset, Page: page, PageSize: e.pageSize}, likes), nil
}

func (e *Engine) fetchTimestampPage(ctx context.Context, page int) (Page, error) {
	before, err := e.resolveBefore(ctx, page)
	if err != nil {
		return Page{}, err
	}

	// cursor pages are never cached: their content depends on point-in-time
	// ordering that shifts as new items are liked
	likes, err := e.source.BlogLikes(ctx, e.blogID, upstream.LikesQuery{
		Before: &before,
		Limit:  e.pageSize,
	})
	if err != nil {
		return Page{}, err
	}

	return e.assemble(page, Cursor{Mode: ModeTimestamp, BeforeTimestamp: before, Page: page, PageSize: e.pageSize}, likes), nil
}

// resolveBefore finds the timestamp cursor for a past-the-ceiling page:
// from the index if the preceding page has been seen, otherwise by bridging
// through the last valid offset page. Bridging is two strictly sequential
// upstream calls; the second depends on the first's result.
func (e *Engine) resolveBefore(ctx context.Context, page int) (int64, error) {
	e.mu.Lock()
	before, ok := e.index[page-1]
	e.mu.Unlock()
	if ok {
		return before, nil
	}

	bridge := e.lastOffsetPage()
	if page-1 != bridge {
		// no cursor recorded and the preceding page is not offset-reachable:
		// the caller must navigate sequentially
		return 0, &BoundaryError{Page: page}
	}

	log.Debug().Int("page", page).Int("bridgePage", bridge).Msg("bridging to timestamp cursor")

	bridged, err := e.FetchPage(ctx, bridge)
	if err != nil {
		return 0, fmt.Errorf("bridging via offset page %d: %w", bridge, err)
	}
	if len(bridged.Items) == 0 {
		return 0, &BoundaryError{Page: page}
	}

	e.mu.Lock()
	before, ok = e.index[page-1]
	e.mu.Unlock()
	if !ok {
		return 0, &BoundaryError{Page: page}
	}

	return before, nil
}

// lastOffsetPage is the highest page number still addressable by offset.
func (e *Engine) lastOffsetPage() int {
	return (OffsetCeiling-1)/e.pageSize + 1
}

// assemble records the page's oldest timestamp in the index and builds the
// returned Page.
func (e *Engine) assemble(page int, cursor Cursor, likes upstream.LikesPage) Page {
	if len(likes.Likes) > 0 {
		oldest := likes.Likes[0].Timestamp
		for _, like := range likes.Likes[1:] {
			if like.Timestamp < oldest {
				oldest = like.Timestamp
			}
		}

		e.mu.Lock()
		e.index[page] = oldest
		e.mu.Unlock()
	}

	return Page{
		Cursor:     cursor,
		Items:      likes.Likes,
		TotalCount: likes.TotalCount,
		HasMore:    len(likes.Likes) == e.pageSize,
	}
}

// encodeLikesPage serializes a page in the upstream payload shape so cached
// entries decode through the same path as live responses.
func encodeLikesPage(likes upstream.LikesPage) ([]byte, error) {
	items := make([]json.RawMessage, len(likes.Likes))
	for i, like := range likes.Likes {
		items[i] = like.Raw
	}

	return json.Marshal(map[string]any{
		"liked_posts": items,
		"liked_count": likes.TotalCount,
	})
}
