// Package fetcher extracts product details from retailer pages.
//
// Every Fetcher navigates a browser session to the product page, dismisses
// the consent banner when one is shown, snapshots the rendered HTML and reads
// fields from it with goquery. Fetchers report problems as *product.Error so
// the worker can persist them as failure records.
package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/browser"
	"github.com/JakeFAU/realtime-product-stream/internal/llm"
	"github.com/JakeFAU/realtime-product-stream/internal/product"
)

// Fetcher loads one product.
type Fetcher interface {
	Fetch(ctx context.Context, session browser.Session, task product.TaskProduct) (product.Product, *product.Error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context, session browser.Session, task product.TaskProduct) (product.Product, *product.Error)

// Fetch calls f.
func (f FetchFunc) Fetch(ctx context.Context, session browser.Session, task product.TaskProduct) (product.Product, *product.Error) {
	return f(ctx, session, task)
}

// Extractor is the free-text fallback used when a page has no structured
// field. *llm.Client satisfies it.
type Extractor interface {
	ExtractCountry(ctx context.Context, address string) llm.Country
	ExtractTotalWeight(ctx context.Context, description string) llm.Weight
}

// Registry maps each source to its fetcher.
type Registry struct {
	fetchers map[product.Source]Fetcher
}

// NewRegistry builds a registry. Every key must be a known source.
func NewRegistry(fetchers map[product.Source]Fetcher) (*Registry, error) {
	out := make(map[product.Source]Fetcher, len(fetchers))
	for src, f := range fetchers {
		if !src.Valid() {
			return nil, fmt.Errorf("register fetcher: unknown source %q", src)
		}
		if f == nil {
			return nil, fmt.Errorf("register fetcher: nil fetcher for %s", src)
		}
		out[src] = f
	}
	return &Registry{fetchers: out}, nil
}

// Defaults returns the fetchers for every supported retailer.
func Defaults(extractor Extractor, logger *zap.Logger) map[product.Source]Fetcher {
	return map[product.Source]Fetcher{
		product.SourceOcado:        NewOcado(extractor, logger),
		product.SourceSainsbury:    NewSainsbury(extractor, logger),
		product.SourceZooplus:      NewZooplus(logger),
		product.SourcePetsAtHome:   NewPetsAtHome(logger),
		product.SourceLilysKitchen: NewLilysKitchen(extractor, logger),
		product.SourceVetShop:      NewVetShop(extractor, logger),
	}
}

// Lookup returns the fetcher registered for src.
func (r *Registry) Lookup(src product.Source) (Fetcher, error) {
	f, ok := r.fetchers[src]
	if !ok {
		return nil, fmt.Errorf("no fetcher registered for %s", src)
	}
	return f, nil
}

// Sources lists the registered sources in sorted order.
func (r *Registry) Sources() []product.Source {
	out := make([]product.Source, 0, len(r.fetchers))
	for src := range r.fetchers {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// page is one loaded product page.
type page struct {
	url      string
	snapshot browser.Snapshot
	doc      *goquery.Document
}

// load navigates to raw resolved against base, clicks consent when it is
// offered, and parses the rendered page.
func load(ctx context.Context, session browser.Session, logger *zap.Logger, base, raw, consent string) (*page, *product.Error) {
	full, err := resolve(base, raw)
	if err != nil {
		return nil, product.Wrap(product.CodeUnhandledException, err).WithMeta("url", raw)
	}
	if err := session.Navigate(ctx, full); err != nil {
		return nil, product.Wrap(product.CodeUnhandledException, err).WithMeta("url", full)
	}
	if consent != "" {
		if _, err := session.ClickIfPresent(ctx, browser.ButtonXPath(consent)); err != nil {
			logger.Debug("consent banner not dismissed", zap.String("url", full), zap.Error(err))
		}
	}
	return snapshot(ctx, session, full)
}

func snapshot(ctx context.Context, session browser.Session, full string) (*page, *product.Error) {
	snap, err := session.Snapshot(ctx)
	if err != nil {
		return nil, product.Wrap(product.CodeUnhandledException, err).WithMeta("url", full)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return nil, product.Wrap(product.CodeUnhandledException, fmt.Errorf("parse html: %w", err)).WithMeta("url", full)
	}
	return &page{url: full, snapshot: snap, doc: doc}, nil
}

func resolve(base, raw string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse product url: %w", err)
	}
	return b.ResolveReference(ref).String(), nil
}

func lastPathSegment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.TrimRight(u.Path, "/"), "/")
	return parts[len(parts)-1]
}

// metaContent returns the content of the first meta tag whose attr equals
// key.
func metaContent(doc *goquery.Document, attr, key string) string {
	var out string
	doc.Find("meta[" + attr + "]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if v, _ := s.Attr(attr); v == key {
			out, _ = s.Attr("content")
			return false
		}
		return true
	})
	return strings.TrimSpace(out)
}

// fieldWithHeading returns the trimmed content of the first container whose
// heading reads heading.
func fieldWithHeading(doc *goquery.Document, container, content, heading string) string {
	var out string
	doc.Find(container).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		h := s.Find("h1, h2, h3, h4, h5, h6, [role=heading]").FilterFunction(func(_ int, h *goquery.Selection) bool {
			return strings.EqualFold(strings.TrimSpace(h.Text()), heading)
		})
		if h.Length() == 0 {
			return true
		}
		out = strings.TrimSpace(s.Find(content).First().Text())
		return false
	})
	return out
}

func notFound(message, full string) *product.Error {
	return product.NewError(product.CodeElementNotFound, message).WithMeta("url", full)
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
