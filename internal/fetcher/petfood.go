package fetcher

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

// Base addresses for the pet retailers.
const (
	ZooplusBaseURL      = "https://www.zooplus.co.uk/"
	PetsAtHomeBaseURL   = "https://www.petsathome.com"
	LilysKitchenBaseURL = "https://www.lilyskitchen.co.uk/"
	VetShopBaseURL      = "https://www.vetshop.co.uk/"
)

// Zooplus reads zooplus.co.uk article pages.
type Zooplus struct {
	logger *zap.Logger
}

// NewZooplus builds the Zooplus fetcher.
func NewZooplus(logger *zap.Logger) *Zooplus {
	return &Zooplus{logger: orNop(logger)}
}

// Fetch implements Fetcher.
func (z *Zooplus) Fetch(ctx context.Context, session browser.Session, task product.TaskProduct) (product.Product, *product.Error) {
	pg, ferr := load(ctx, session, z.logger, ZooplusBaseURL, task.ProductURL, "Agree and continue")
	if ferr != nil {
		return product.Product{}, ferr
	}
	box := pg.doc.Find(`[data-zta="SelectedArticleBox__TopSection"]`)
	amount, suffix := "productStandardPriceAmount", "productStandardPriceSuffix"
	if box.Find(`[data-zta="productStandardPriceAmount"]`).Length() == 0 {
		amount, suffix = "productReducedPriceAmount", "productReducedPriceSuffix"
	}
	price := strings.TrimSpace(box.Find(`[data-zta="` + amount + `"]`).First().Text())
	if price == "" {
		return product.Product{}, notFound("Price not found", pg.url)
	}

	var perItem *string
	if raw := box.Find(`[data-zta="` + suffix + `"]`).First().Text(); strings.TrimSpace(raw) != "" {
		parts := strings.Split(raw, "/")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		perItem = stringPtr(strings.Join(parts, "/"))
	}

	current := currentURL(pg)
	return product.Product{
		CountryOfOrigin: product.UnknownCountry,
		ID:              lastPathSegment(current),
		Image:           metaContent(pg.doc, "property", "og:image"),
		Price:           price,
		PricePerItem:    perItem,
		Source:          product.SourceZooplus,
		Title:           metaContent(pg.doc, "property", "og:title"),
		Type:            "product",
		URL:             current,
	}, nil
}

// PetsAtHome reads petsathome.com product pages.
type PetsAtHome struct {
	logger *zap.Logger
}

// NewPetsAtHome builds the Pets at Home fetcher.
func NewPetsAtHome(logger *zap.Logger) *PetsAtHome {
	return &PetsAtHome{logger: orNop(logger)}
}

// Fetch implements Fetcher.
func (p *PetsAtHome) Fetch(ctx context.Context, session browser.Session, task product.TaskProduct) (product.Product, *product.Error) {
	pg, ferr := load(ctx, session, p.logger, PetsAtHomeBaseURL, task.ProductURL, "Allow all")
	if ferr != nil {
		return product.Product{}, ferr
	}
	// The price element nests the per-unit price after the amount.
	price := strings.TrimSpace(pg.doc.Find(`[class^="product-price_price"]`).First().Contents().First().Text())
	if price == "" {
		return product.Product{}, notFound("Price not found", pg.url)
	}
	var perItem *string
	if raw := strings.TrimSpace(pg.doc.Find(`[class^="product-price_product-per-unit"]`).First().Text()); len(raw) >= 2 {
		perItem = stringPtr(raw[1 : len(raw)-1])
	}

	current := currentURL(pg)
	return product.Product{
		CountryOfOrigin: product.UnknownCountry,
		ID:              lastPathSegment(current),
		Image:           metaContent(pg.doc, "property", "og:image"),
		Price:           price,
		PricePerItem:    perItem,
		Source:          product.SourcePetsAtHome,
		Title:           strings.TrimSpace(pg.doc.Find("title").First().Text()),
		Type:            "product",
		URL:             current,
	}, nil
}

// LilysKitchen reads lilyskitchen.co.uk product pages.
type LilysKitchen struct {
	extractor Extractor
	logger    *zap.Logger
}

// NewLilysKitchen builds the Lily's Kitchen fetcher.
func NewLilysKitchen(extractor Extractor, logger *zap.Logger) *LilysKitchen {
	return &LilysKitchen{extractor: extractor, logger: orNop(logger)}
}

type lilysDetails struct {
	ID        any     `json:"id"`
	Currency  string  `json:"currency"`
	UnitPrice float64 `json:"unit_price"`
}

// Fetch implements Fetcher.
func (l *LilysKitchen) Fetch(ctx context.Context, session browser.Session, task product.TaskProduct) (product.Product, *product.Error) {
	pg, ferr := load(ctx, session, l.logger, LilysKitchenBaseURL, task.ProductURL, "")
	if ferr != nil {
		return product.Product{}, ferr
	}
	raw, ok := pg.doc.Find("[data-product-details]").First().Attr("data-product-details")
	if !ok {
		return product.Product{}, notFound("Product details not found", pg.url)
	}
	var details lilysDetails
	if err := json.Unmarshal([]byte(raw), &details); err != nil {
		return product.Product{}, product.Wrap(product.CodeUnhandledException, fmt.Errorf("decode product details: %w", err)).
			WithMeta("url", pg.url)
	}

	title := metaContent(pg.doc, "property", "og:title")
	var perItem *string
	if l.extractor != nil {
		if w := l.extractor.ExtractTotalWeight(ctx, title); w.Known() {
			perItem = stringPtr(FormatCurrency(details.UnitPrice / *w.TotalWeight, details.Currency) + "/" + w.WeightUnit)
		}
	}

	return product.Product{
		CountryOfOrigin: product.UnknownCountry,
		ID:              idString(details.ID),
		Image:           metaContent(pg.doc, "property", "og:image"),
		Price:           FormatCurrency(details.UnitPrice, details.Currency),
		PricePerItem:    perItem,
		Source:          product.SourceLilysKitchen,
		Title:           title,
		Type:            "product",
		URL:             metaContent(pg.doc, "property", "og:url"),
	}, nil
}

// VetShop reads vetshop.co.uk product pages.
type VetShop struct {
	extractor Extractor
	logger    *zap.Logger
}

// NewVetShop builds the VetShop fetcher.
func NewVetShop(extractor Extractor, logger *zap.Logger) *VetShop {
	return &VetShop{extractor: extractor, logger: orNop(logger)}
}

// Fetch implements Fetcher.
func (v *VetShop) Fetch(ctx context.Context, session browser.Session, task product.TaskProduct) (product.Product, *product.Error) {
	pg, ferr := load(ctx, session, v.logger, VetShopBaseURL, task.ProductURL, "I Agree")
	if ferr != nil {
		return product.Product{}, ferr
	}
	v.logger.Debug("navigated to product page", zap.String("url", pg.url))

	id := strings.TrimSpace(pg.doc.Find(`[itemprop="sku"]`).First().Text())
	if id == "" {
		return product.Product{}, notFound("Product Id not found", pg.url)
	}
	price := strings.TrimSpace(pg.doc.Find(".item-views-blb-price-option").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.Contains(s.Text(), "Ship once")
	}).Find(".item-views-blb-price-option-price").First().Text())
	if price == "" {
		return product.Product{}, notFound("Price not found", pg.url)
	}

	image := metaContent(pg.doc, "name", "og:image")
	if decoded, err := url.PathUnescape(image); err == nil {
		image = decoded
	}
	title := metaContent(pg.doc, "name", "og:title")

	return product.Product{
		CountryOfOrigin: product.UnknownCountry,
		ID:              id,
		Image:           image,
		Price:           price,
		PricePerItem:    v.pricePerItem(ctx, pg.doc, price, title),
		Source:          product.SourceVetShop,
		Title:           title,
		Type:            "product",
		URL:             metaContent(pg.doc, "name", "og:url"),
	}, nil
}

// pricePerItem divides the price by the pack weight, taken from the title or
// else from the weight shown on the page.
func (v *VetShop) pricePerItem(ctx context.Context, doc *goquery.Document, price, title string) *string {
	amount, ok := parseAmount(price)
	if !ok {
		return nil
	}
	var total float64
	var unit string
	if v.extractor != nil {
		if w := v.extractor.ExtractTotalWeight(ctx, title); w.Known() {
			total, unit = *w.TotalWeight, w.WeightUnit
		}
	}
	if total == 0 {
		text := strings.TrimSpace(doc.Find(".item-details-weight-value").First().Text())
		if len(text) <= 2 {
			return nil
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(text[:len(text)-2]), 64)
		if err != nil || n <= 0 {
			return nil
		}
		total, unit = n, text[len(text)-2:]
	}
	return stringPtr(FormatGBP(amount/total) + "/" + unit)
}

func currentURL(pg *page) string {
	if pg.snapshot.URL != "" {
		return pg.snapshot.URL
	}
	return pg.url
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}
