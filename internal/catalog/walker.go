// Package catalog implements the paginated market-catalog walker (C4): it
// fans out page fetches against the venue's topic list, reconciles
// multi-outcome parent/child topics via the "multi" endpoint, and yields a
// normalized stream of market descriptors. Grounded on the teacher's
// internal/market/scanner.go paging/worker-pool shape, generalized from
// order-book scanning to catalog reconciliation.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"polymarket-monitor/internal/upstream"
	"polymarket-monitor/pkg/types"
)

const statusActivated = "Activated"

// Upstream is the subset of upstream.Client the walker needs.
type Upstream interface {
	ListTopicsPage(ctx context.Context, page, limit int) ([]upstream.Envelope, *int, error)
	TopicDetail(ctx context.Context, topicID string) (upstream.Envelope, int, error)
	MultiDetail(ctx context.Context, topicID string) (upstream.Envelope, int, error)
	ServerTime(ctx context.Context) (int64, error)
}

// Config controls pagination width, page size, and the not-found circuit
// breaker threshold.
type Config struct {
	PageWorkers        int
	PageSize           int
	NotFoundBreakLimit int
}

// Walker performs one catalog walk at a time; it carries no state across
// walks besides its dependencies.
type Walker struct {
	up     Upstream
	cfg    Config
	logger *slog.Logger
}

// New builds a Walker.
func New(up Upstream, cfg Config, logger *slog.Logger) *Walker {
	if cfg.PageWorkers <= 0 {
		cfg.PageWorkers = 16
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.NotFoundBreakLimit <= 0 {
		cfg.NotFoundBreakLimit = 5
	}
	return &Walker{up: up, cfg: cfg, logger: logger.With("component", "catalog")}
}

// breaker is a per-endpoint consecutive-not-found counter, shared across a
// single walk.
type breaker struct {
	mu                 sync.Mutex
	consecutiveTopic   int
	consecutiveMulti   int
	topicDisabled      bool
	multiDisabled      bool
	notFoundBreakLimit int
}

func newBreaker(limit int) *breaker {
	return &breaker{notFoundBreakLimit: limit}
}

func (b *breaker) topicAllowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.topicDisabled
}

func (b *breaker) multiAllowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.multiDisabled
}

func (b *breaker) recordTopic(notFound bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if notFound {
		b.consecutiveTopic++
		if b.consecutiveTopic >= b.notFoundBreakLimit {
			b.topicDisabled = true
		}
		return
	}
	b.consecutiveTopic = 0
}

func (b *breaker) recordMulti(notFound bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if notFound {
		b.consecutiveMulti++
		if b.consecutiveMulti >= b.notFoundBreakLimit {
			b.multiDisabled = true
		}
		return
	}
	b.consecutiveMulti = 0
}

// memo caches detail/multi lookups within a single walk, including negative
// results, keyed by topicId.
type memo struct {
	mu     sync.Mutex
	topic  map[string]lookupResult
	multi  map[string]lookupResult
}

type lookupResult struct {
	payload upstream.Envelope
	code    int
	err     error
	fetched bool
}

func newMemo() *memo {
	return &memo{topic: make(map[string]lookupResult), multi: make(map[string]lookupResult)}
}

// Walk performs one full catalog walk and returns the normalized market
// descriptors. It always terminates, regardless of whether the venue reports
// page totals: a single failed page fetch is skipped, and a batch in which
// every page fetch fails ends the walk.
func (w *Walker) Walk(ctx context.Context) ([]types.Market, error) {
	now, err := w.up.ServerTime(ctx)
	if err != nil {
		now = time.Now().UnixMilli()
		w.logger.Warn("server time unavailable, using local clock", "error", err)
	}

	br := newBreaker(w.cfg.NotFoundBreakLimit)
	mm := newMemo()

	var (
		mu      sync.Mutex
		markets []types.Market
	)

	page := 1
	totalPages := -1
	for {
		batchPages := make([]int, 0, w.cfg.PageWorkers)
		for i := 0; i < w.cfg.PageWorkers; i++ {
			if totalPages >= 0 && page > totalPages {
				break
			}
			batchPages = append(batchPages, page)
			page++
		}
		if len(batchPages) == 0 {
			break
		}

		var wg sync.WaitGroup
		stop := false
		anyFetched := false
		var stopMu sync.Mutex

		for _, p := range batchPages {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				entries, total, err := w.up.ListTopicsPage(ctx, p, w.cfg.PageSize)
				if err != nil {
					w.logger.Warn("page fetch failed", "page", p, "error", err)
					return
				}
				stopMu.Lock()
				anyFetched = true
				stopMu.Unlock()
				if total != nil {
					tp := (*total + w.cfg.PageSize - 1) / w.cfg.PageSize
					stopMu.Lock()
					if totalPages < 0 || tp < totalPages {
						totalPages = tp
					}
					stopMu.Unlock()
				}
				if len(entries) == 0 {
					stopMu.Lock()
					stop = true
					stopMu.Unlock()
					return
				}
				if total == nil && len(entries) < w.cfg.PageSize {
					stopMu.Lock()
					stop = true
					stopMu.Unlock()
				}

				for _, entry := range entries {
					emitted := w.reconcile(ctx, entry, now, br, mm)
					mu.Lock()
					markets = append(markets, emitted...)
					mu.Unlock()
				}
			}(p)
		}
		wg.Wait()

		// A batch in which every page fetch failed ends the walk, so a
		// persistently failing (or cancelled) upstream cannot loop forever.
		if stop || !anyFetched {
			break
		}
	}

	return markets, nil
}

// reconcile applies per-entry reconciliation (spec.md §4.1 steps 1-5) to a
// single raw catalog entry and returns the normalized markets it yields.
func (w *Walker) reconcile(ctx context.Context, entry upstream.Envelope, now int64, br *breaker, mm *memo) []types.Market {
	topicID := pickTopicID(entry)
	childList, hasChildren := upstream.PickList(entry, "childList", "children")

	var authoritative upstream.Envelope
	authoritativeChainID, entryHasAuthority := (*int64)(nil), false

	if !hasChildren && topicID != "" && br.multiAllowed() {
		payload, code, err := w.lookupMulti(ctx, topicID, mm, br)
		if err == nil && code == 0 {
			if kids, ok := upstream.PickList(payload, "childList", "children"); ok && len(kids) > 0 {
				authoritative = payload
				childList = kids
				hasChildren = true
				entryHasAuthority = true
				if cid, ok := upstream.PickNumber(payload, "chainId"); ok {
					v := int64(cid)
					authoritativeChainID = &v
				}
			}
		}
	}

	var out []types.Market

	active := w.isActive(entry, now)
	if !active && !hasChildren && topicID != "" && br.topicAllowed() {
		payload, code, err := w.lookupTopic(ctx, topicID, mm, br)
		if err == nil && code == 0 {
			active = w.isActive(payload, now)
		}
	}

	emitParent := hasChildren || active
	if emitParent {
		out = append(out, normalize(entry, nil))
	}

	entryChainID, _ := upstream.PickNumber(entry, "chainId")
	if entryHasAuthority && authoritativeChainID != nil && int64(entryChainID) != *authoritativeChainID {
		altParent := normalize(authoritative, nil)
		out = append(out, altParent)
		for _, raw := range childList {
			child, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if !w.childActive(child, authoritative, now) {
				continue
			}
			out = append(out, normalize(child, &altParent.MarketID))
		}
		return out
	}

	if hasChildren {
		parentID := normalize(entry, nil).MarketID
		for _, raw := range childList {
			child, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if !w.childActive(child, entry, now) {
				continue
			}
			out = append(out, normalize(child, &parentID))
		}
	}

	return out
}

func (w *Walker) lookupTopic(ctx context.Context, topicID string, mm *memo, br *breaker) (upstream.Envelope, int, error) {
	mm.mu.Lock()
	if r, ok := mm.topic[topicID]; ok {
		mm.mu.Unlock()
		return r.payload, r.code, r.err
	}
	mm.mu.Unlock()

	payload, code, err := w.up.TopicDetail(ctx, topicID)
	br.recordTopic(code == upstream.ErrCodeNotFound)

	mm.mu.Lock()
	mm.topic[topicID] = lookupResult{payload: payload, code: code, err: err, fetched: true}
	mm.mu.Unlock()
	return payload, code, err
}

func (w *Walker) lookupMulti(ctx context.Context, topicID string, mm *memo, br *breaker) (upstream.Envelope, int, error) {
	mm.mu.Lock()
	if r, ok := mm.multi[topicID]; ok {
		mm.mu.Unlock()
		return r.payload, r.code, r.err
	}
	mm.mu.Unlock()

	payload, code, err := w.up.MultiDetail(ctx, topicID)
	br.recordMulti(code == upstream.ErrCodeNotFound)

	mm.mu.Lock()
	mm.multi[topicID] = lookupResult{payload: payload, code: code, err: err, fetched: true}
	mm.mu.Unlock()
	return payload, code, err
}

// isActive implements spec.md's activity definition: Activated status (or
// numeric status 2), no resolvedAt in the past, no cutoffAt in the past.
func (w *Walker) isActive(m upstream.Envelope, now int64) bool {
	statusStr := upstream.PickString(m, "statusEnum", "status_enum")
	statusNum, hasNum := upstream.PickNumber(m, "status")
	activated := strings.EqualFold(statusStr, statusActivated) || (hasNum && statusNum == 2)
	if !activated {
		return false
	}
	if resolvedAt, ok := upstream.PickNumber(m, "resolvedAt"); ok && resolvedAt > 0 && int64(resolvedAt) <= now {
		return false
	}
	if cutoffAt, ok := upstream.PickNumber(m, "cutoffAt"); ok && cutoffAt > 0 && int64(cutoffAt) <= now {
		return false
	}
	return true
}

// childActive applies the same activity check to a child entry, inheriting
// the parent's statusEnum when the child itself has none.
func (w *Walker) childActive(child, parent upstream.Envelope, now int64) bool {
	if upstream.PickString(child, "statusEnum", "status_enum") == "" {
		if s := upstream.PickString(parent, "statusEnum", "status_enum"); s != "" {
			merged := make(upstream.Envelope, len(child)+1)
			for k, v := range child {
				merged[k] = v
			}
			merged["statusEnum"] = s
			return w.isActive(merged, now)
		}
	}
	return w.isActive(child, now)
}

func pickTopicID(m upstream.Envelope) string {
	if s := upstream.PickString(m, "topicId", "topic_id"); s != "" {
		return s
	}
	if n, ok := upstream.PickNumber(m, "topicId"); ok {
		return strconv.FormatInt(int64(n), 10)
	}
	return ""
}

// normalize applies spec.md's normalization rules to a raw catalog entry,
// optionally attaching a parentMarketId for child markets.
func normalize(entry upstream.Envelope, parentMarketID *int64) types.Market {
	marketID := pickMarketID(entry)

	_, hasChildren := upstream.PickList(entry, "childList", "children")

	yesTokenID := upstream.PickString(entry, "yesTokenId", "yesPos")
	marketType := types.MarketTypeSingle
	if hasChildren {
		marketType = types.MarketTypeMultiParent
		if yesTokenID == "" {
			yesTokenID = types.SyntheticYesToken(marketID)
		}
	} else if mt, ok := upstream.PickNumber(entry, "marketType", "topicType"); ok && mt == 1 {
		marketType = types.MarketTypeMultiParent
		if yesTokenID == "" {
			yesTokenID = types.SyntheticYesToken(marketID)
		}
	}

	title := upstream.PickString(entry, "marketTitle", "title")
	if title == "" {
		title = fmt.Sprintf("market-%d", marketID)
	}

	m := types.Market{
		MarketID:       marketID,
		YesTokenID:     yesTokenID,
		Title:          title,
		ParentMarketID: parentMarketID,
		TopicID:        pickTopicID(entry),
		MarketType:     marketType,
		UpdatedAt:      time.Now().UnixMilli(),
	}
	if cid, ok := upstream.PickNumber(entry, "chainId"); ok {
		v := int64(cid)
		m.ChainID = &v
	}
	if cutoff, ok := upstream.PickNumber(entry, "cutoffAt"); ok {
		v := int64(cutoff)
		m.CutoffAt = &v
	}
	return m
}

func pickMarketID(m upstream.Envelope) int64 {
	if n, ok := upstream.PickNumber(m, "marketId"); ok {
		return int64(n)
	}
	if n, ok := upstream.PickNumber(m, "topicId"); ok {
		return int64(n)
	}
	return 0
}
