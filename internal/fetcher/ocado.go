package fetcher

import (
	"context"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/browser"
	"github.com/JakeFAU/realtime-product-stream/internal/product"
)

// OcadoBaseURL resolves relative Ocado links.
const OcadoBaseURL = "https://www.ocado.com"

const (
	ocadoField   = ".gn-content.bop-info__field"
	ocadoContent = ".bop-info__content"
)

// Ocado reads product pages on ocado.com.
type Ocado struct {
	extractor Extractor
	logger    *zap.Logger
}

// NewOcado builds the Ocado fetcher. extractor may be nil, in which case a
// missing country stays unknown.
func NewOcado(extractor Extractor, logger *zap.Logger) *Ocado {
	return &Ocado{extractor: extractor, logger: orNop(logger)}
}

// Fetch implements Fetcher.
func (o *Ocado) Fetch(ctx context.Context, session browser.Session, task product.TaskProduct) (product.Product, *product.Error) {
	pg, ferr := load(ctx, session, o.logger, OcadoBaseURL, task.ProductURL, "Accept")
	if ferr != nil {
		return product.Product{}, ferr
	}

	country := fieldWithHeading(pg.doc, ocadoField, ocadoContent, "Country of Origin")
	if country == "" {
		var next *page
		country, next = o.manufacturerCountry(ctx, session, pg)
		if next != nil {
			pg = next
		}
	}

	og := openGraph(pg.doc, "property")
	ogURL, err := resolve(OcadoBaseURL, og["og:url"])
	id := ""
	if err == nil && og["og:url"] != "" {
		id = lastPathSegment(ogURL)
	}
	if id == "" {
		o.logger.Warn("product has no open graph url", zap.String("url", pg.url))
		return product.Product{}, notFound("Product Id not found", pg.url).WithMeta("ogMeta", og)
	}

	amount, currency := metaContent(pg.doc, "itemprop", "price"), metaContent(pg.doc, "itemprop", "priceCurrency")
	value, perr := strconv.ParseFloat(amount, 64)
	if amount == "" || currency == "" || perr != nil {
		return product.Product{}, notFound("Price not found", pg.url).
			WithMeta("priceInfo", map[string]string{"price": amount, "priceCurrency": currency})
	}

	image, _ := resolve(OcadoBaseURL, og["og:image"])
	return product.Product{
		CountryOfOrigin: country,
		ID:              id,
		Image:           image,
		Price:           FormatCurrency(value, currency),
		PricePerItem:    stringPtr(strings.TrimSpace(pg.doc.Find(".bop-price__per").First().Text())),
		Source:          product.SourceOcado,
		Title:           og["og:title"],
		Type:            og["og:type"],
		URL:             ogURL,
	}, nil
}

// manufacturerCountry opens the brand details panel and asks the extractor
// where the manufacturer address is. It returns the page as rendered after
// the click, or nil when nothing was clicked.
func (o *Ocado) manufacturerCountry(ctx context.Context, session browser.Session, pg *page) (string, *page) {
	clicked, err := session.ClickIfPresent(ctx, browser.ButtonXPath("Brand details"))
	if err != nil || !clicked {
		return product.UnknownCountry, nil
	}
	next, ferr := snapshot(ctx, session, pg.url)
	if ferr != nil {
		o.logger.Debug("re-read page after brand details", zap.Error(ferr))
		return product.UnknownCountry, nil
	}
	address := fieldWithHeading(next.doc, ocadoField, ocadoContent, "Manufacturer")
	if address == "" || o.extractor == nil {
		return product.UnknownCountry, next
	}
	country := o.extractor.ExtractCountry(ctx, address)
	if country.ExtractedCountry == "" || country.ExtractedCountry == product.UnknownCountry {
		o.logger.Warn("unable to parse manufacturer address", zap.String("address", address))
		return product.UnknownCountry, next
	}
	return country.ExtractedCountry, next
}

// openGraph collects og:* meta tags keyed by the attr holding the name.
func openGraph(doc *goquery.Document, attr string) map[string]string {
	out := map[string]string{}
	doc.Find("meta[" + attr + "^='og:']").Each(func(_ int, s *goquery.Selection) {
		key, _ := s.Attr(attr)
		content, _ := s.Attr("content")
		if _, seen := out[key]; !seen {
			out[key] = strings.TrimSpace(content)
		}
	})
	return out
}
