package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/browser"
	"github.com/JakeFAU/realtime-product-stream/internal/product"
)

const (
	ocadoBaseURL       = "https://www.ocado.com"
	sainsburyBaseURL   = "https://www.sainsburys.co.uk"
	sainsburySearchAPI = sainsburyBaseURL + "/groceries-api/gol-services/product/v1/product"

	// DefaultScrollAttempts caps how often Ocado is scrolled without new
	// results before giving up.
	DefaultScrollAttempts = 16
	scrollStep            = 4000
	sainsburyPageSize     = 90
)

// Ocado pages through ocado.com search results by scrolling.
type Ocado struct {
	MaxScrollAttempts int
	Logger            *zap.Logger
}

// Source implements Provider.
func (o *Ocado) Source() product.Source { return product.SourceOcado }

// OcadoSearchURL returns the results page for keyword.
func OcadoSearchURL(keyword string) string {
	q := url.Values{}
	q.Set("entry", keyword)
	q.Set("display", "1024")
	return ocadoBaseURL + "/search?" + q.Encode()
}

// Search implements Provider.
func (o *Ocado) Search(ctx context.Context, session browser.Session, keyword string, emit Emit) error {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := o.MaxScrollAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultScrollAttempts
	}

	searchURL := OcadoSearchURL(keyword)
	logger.Info("searching products", zap.String("source", string(product.SourceOcado)), zap.String("url", searchURL))
	if err := session.Navigate(ctx, searchURL); err != nil {
		return err
	}
	if _, err := session.ClickIfPresent(ctx, browser.ButtonXPath("Accept")); err != nil {
		logger.Debug("consent banner not dismissed", zap.Error(err))
	}
	doc, err := render(ctx, session)
	if err != nil {
		return err
	}
	if doc.Find(".nf-resourceNotFound").Length() > 0 {
		return nil
	}
	totalText, _, _ := strings.Cut(strings.TrimSpace(doc.Find(".total-product-number").First().Text()), " ")
	total, err := strconv.Atoi(totalText)
	if err != nil {
		return fmt.Errorf("unexpected total product number %q", totalText)
	}

	seen := make(map[string]struct{})
	for attempts := 0; ; {
		found := 0
		var emitErr error
		doc.Find(".main-column [data-sku]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			id, _ := s.Attr("data-sku")
			href, ok := s.Find("a[href]").First().Attr("href")
			if id == "" || !ok {
				return true
			}
			if _, dup := seen[id]; dup {
				return true
			}
			seen[id] = struct{}{}
			found++
			emitErr = emit(product.Hit{ItemID: id, URL: absolute(ocadoBaseURL, href), Source: product.SourceOcado})
			return emitErr == nil
		})
		if emitErr != nil {
			return emitErr
		}
		if found > 0 {
			attempts = 0
		}
		if len(seen) >= total || attempts > maxAttempts {
			return nil
		}
		if err := session.ScrollBy(ctx, scrollStep); err != nil {
			return err
		}
		attempts++
		if doc, err = render(ctx, session); err != nil {
			return err
		}
	}
}

// Sainsbury reads the groceries search API page by page.
type Sainsbury struct {
	Logger *zap.Logger
}

// Source implements Provider.
func (s *Sainsbury) Source() product.Source { return product.SourceSainsbury }

// SainsburyResultsURL is the human results page, visited once for cookies.
func SainsburyResultsURL(keyword string) string {
	return sainsburyBaseURL + "/gol-ui/SearchResults/" + url.PathEscape(keyword)
}

// SainsburyAPIURL returns one page of API results for keyword.
func SainsburyAPIURL(keyword string, page int) string {
	q := url.Values{}
	q.Set("filter[keyword]", keyword)
	q.Set("page_number", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(sainsburyPageSize))
	return sainsburySearchAPI + "?" + q.Encode()
}

type sainsburyPage struct {
	Products []struct {
		ProductUID string `json:"product_uid"`
		FullURL    string `json:"full_url"`
	} `json:"products"`
	Controls struct {
		Page struct {
			Last int `json:"last"`
		} `json:"page"`
	} `json:"controls"`
}

// Search implements Provider.
func (s *Sainsbury) Search(ctx context.Context, session browser.Session, keyword string, emit Emit) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := session.Navigate(ctx, SainsburyResultsURL(keyword)); err != nil {
		return err
	}
	if _, err := session.ClickIfPresent(ctx, browser.ButtonXPath("Accept all cookies")); err != nil {
		logger.Debug("consent banner not dismissed", zap.Error(err))
	}
	doc, err := render(ctx, session)
	if err != nil {
		return err
	}
	if doc.Find(".si__no-results").Length() > 0 {
		return nil
	}

	for page := 1; ; page++ {
		logger.Info("searching products",
			zap.String("source", string(product.SourceSainsbury)),
			zap.String("keyword", keyword),
			zap.Int("page", page),
		)
		if err := session.Navigate(ctx, SainsburyAPIURL(keyword, page)); err != nil {
			return err
		}
		doc, err := render(ctx, session)
		if err != nil {
			return err
		}
		var resp sainsburyPage
		if err := json.Unmarshal([]byte(preText(doc)), &resp); err != nil {
			return fmt.Errorf("decode search page %d: %w", page, err)
		}
		for _, p := range resp.Products {
			path := p.FullURL
			if u, err := url.Parse(p.FullURL); err == nil {
				path = u.Path
			}
			if err := emit(product.Hit{ItemID: p.ProductUID, URL: path, Source: product.SourceSainsbury}); err != nil {
				return err
			}
		}
		if resp.Controls.Page.Last <= page {
			return nil
		}
	}
}

func render(ctx context.Context, session browser.Session) (*goquery.Document, error) {
	snap, err := session.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func absolute(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(ref).String()
}

func preText(doc *goquery.Document) string {
	if pre := doc.Find("pre").First(); pre.Length() > 0 {
		return pre.Text()
	}
	return doc.Find("body").Text()
}
