// Package cache stores search results and product snapshots in the document
// store.
//
// Entries carry an expiresAt timestamp that is written on every Set and never
// consulted on Get: stale entries are served until something outside this
// process removes them.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/realtime-product-stream/internal/clock/system"
	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
	"github.com/JakeFAU/realtime-product-stream/internal/product"
)

// Default TTLs.
const (
	DefaultSearchTTL = 72 * time.Hour
	DefaultItemTTL   = 24 * time.Hour
)

// SearchCollection holds cached search results.
const SearchCollection = "product-search.search-cache"

// ItemCollection returns the per-source product cache collection.
func ItemCollection(source product.Source) string {
	return string(source) + ".product-detail"
}

// SearchHit is the cached location of one discovered item.
type SearchHit struct {
	URL    string         `json:"url"`
	Source product.Source `json:"source"`
}

// SearchEntry is the stored search cache document.
type SearchEntry struct {
	Hits      map[string]SearchHit `json:"hits"`
	ExpiresAt time.Time            `json:"expiresAt"`
}

// ItemEntry is the stored item cache document.
type ItemEntry struct {
	Product   product.Product `json:"product"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// SearchCache caches search hits keyed by a hash of the search parameters.
type SearchCache struct {
	store  docstore.Store
	hasher product.Hasher
	clock  product.Clock
	ttl    time.Duration
}

// NewSearchCache builds a SearchCache. A ttl of zero selects DefaultSearchTTL.
func NewSearchCache(store docstore.Store, hasher product.Hasher, clock product.Clock, ttl time.Duration) *SearchCache {
	if ttl <= 0 {
		ttl = DefaultSearchTTL
	}
	if clock == nil {
		clock = system.Clock{}
	}
	return &SearchCache{store: store, hasher: hasher, clock: clock, ttl: ttl}
}

type searchKey struct {
	Keyword string           `json:"keyword"`
	Sources []product.Source `json:"sources"`
}

// Key hashes the canonical form of a search: the trimmed, lowercased keyword
// and the sorted source list.
func (c *SearchCache) Key(keyword string, sources []product.Source) (string, error) {
	sorted := append([]product.Source(nil), sources...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	raw, err := json.Marshal(searchKey{
		Keyword: strings.ToLower(strings.TrimSpace(keyword)),
		Sources: sorted,
	})
	if err != nil {
		return "", fmt.Errorf("encode search key: %w", err)
	}
	key, err := c.hasher.Hash(raw)
	if err != nil {
		return "", fmt.Errorf("hash search key: %w", err)
	}
	return key, nil
}

// Get returns the cached hits for key. ok is false on a miss.
func (c *SearchCache) Get(ctx context.Context, key string) (entry SearchEntry, ok bool, err error) {
	ok, err = get(ctx, c.store, docstore.NewRef(SearchCollection, key), &entry)
	return entry, ok, err
}

// Set stores hits under key.
func (c *SearchCache) Set(ctx context.Context, key string, hits []product.Hit) error {
	if err := c.store.Set(ctx, docstore.NewRef(SearchCollection, key), c.entry(hits)); err != nil {
		return fmt.Errorf("set search cache %s: %w", key, err)
	}
	return nil
}

// Put adds the same write as Set to batch.
func (c *SearchCache) Put(batch docstore.Batch, key string, hits []product.Hit) {
	batch.Set(docstore.NewRef(SearchCollection, key), c.entry(hits))
}

func (c *SearchCache) entry(hits []product.Hit) SearchEntry {
	m := make(map[string]SearchHit, len(hits))
	for _, hit := range hits {
		m[hit.ItemID] = SearchHit{URL: hit.URL, Source: hit.Source}
	}
	return SearchEntry{Hits: m, ExpiresAt: c.clock.Now().Add(c.ttl)}
}

// List flattens an entry into hits ordered by item id.
func (e SearchEntry) List() []product.Hit {
	hits := make([]product.Hit, 0, len(e.Hits))
	for id, hit := range e.Hits {
		hits = append(hits, product.Hit{ItemID: id, URL: hit.URL, Source: hit.Source})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ItemID < hits[j].ItemID })
	return hits
}

// ItemCache caches product snapshots per source and item id.
type ItemCache struct {
	store docstore.Store
	clock product.Clock
	ttl   time.Duration
}

// NewItemCache builds an ItemCache. A ttl of zero selects DefaultItemTTL.
func NewItemCache(store docstore.Store, clock product.Clock, ttl time.Duration) *ItemCache {
	if ttl <= 0 {
		ttl = DefaultItemTTL
	}
	if clock == nil {
		clock = system.Clock{}
	}
	return &ItemCache{store: store, clock: clock, ttl: ttl}
}

// Get returns the cached product. ok is false on a miss.
func (c *ItemCache) Get(ctx context.Context, source product.Source, itemID string) (entry ItemEntry, ok bool, err error) {
	ok, err = get(ctx, c.store, docstore.NewRef(ItemCollection(source), itemID), &entry)
	return entry, ok, err
}

// Set stores p under (source, itemID).
func (c *ItemCache) Set(ctx context.Context, source product.Source, itemID string, p product.Product) error {
	ref := docstore.NewRef(ItemCollection(source), itemID)
	if err := c.store.Set(ctx, ref, c.entry(p)); err != nil {
		return fmt.Errorf("set item cache %s: %w", ref, err)
	}
	return nil
}

// Put adds the same write as Set to batch.
func (c *ItemCache) Put(batch docstore.Batch, source product.Source, itemID string, p product.Product) {
	batch.Set(docstore.NewRef(ItemCollection(source), itemID), c.entry(p))
}

func (c *ItemCache) entry(p product.Product) ItemEntry {
	return ItemEntry{Product: p, ExpiresAt: c.clock.Now().Add(c.ttl)}
}

func get(ctx context.Context, store docstore.Store, ref docstore.Ref, out any) (bool, error) {
	doc, err := store.Get(ctx, ref)
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cache %s: %w", ref, err)
	}
	if err := doc.DataTo(out); err != nil {
		return false, err
	}
	return true, nil
}
