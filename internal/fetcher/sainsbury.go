package fetcher

import (
	"context"
	"encoding/base64"
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

// SainsburyBaseURL resolves relative Sainsbury's links.
const SainsburyBaseURL = "https://www.sainsburys.co.uk/"

// SainsburyProductAPI is the JSON endpoint behind product pages.
const SainsburyProductAPI = "https://www.sainsburys.co.uk/groceries-api/gol-services/product/v1/product"

const sainsburyAccordion = "[id=accordion-content]"

// Sainsbury reads products through the groceries API the product page calls.
type Sainsbury struct {
	extractor Extractor
	logger    *zap.Logger
}

// NewSainsbury builds the Sainsbury's fetcher.
func NewSainsbury(extractor Extractor, logger *zap.Logger) *Sainsbury {
	return &Sainsbury{extractor: extractor, logger: orNop(logger)}
}

type sainsburyProduct struct {
	ProductUID  string `json:"product_uid"`
	Name        string `json:"name"`
	Image       string `json:"image"`
	FullURL     string `json:"full_url"`
	DetailsHTML string `json:"details_html"`
	RetailPrice struct {
		Price float64 `json:"price"`
	} `json:"retail_price"`
	UnitPrice struct {
		Price   float64 `json:"price"`
		Measure string  `json:"measure"`
	} `json:"unit_price"`
	NectarPrice *struct {
		RetailPrice float64 `json:"retail_price"`
		UnitPrice   float64 `json:"unit_price"`
	} `json:"nectar_price"`
}

// SainsburyAPIURL returns the API address for a product page.
func SainsburyAPIURL(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse product url: %w", err)
	}
	q := url.Values{}
	q.Set("filter[product_seo_url]", strings.TrimPrefix(u.Path, "/"))
	return SainsburyProductAPI + "?" + q.Encode(), nil
}

// Fetch implements Fetcher.
func (s *Sainsbury) Fetch(ctx context.Context, session browser.Session, task product.TaskProduct) (product.Product, *product.Error) {
	pg, ferr := load(ctx, session, s.logger, SainsburyBaseURL, task.ProductURL, "Accept all cookies")
	if ferr != nil {
		return product.Product{}, ferr
	}
	apiURL, err := SainsburyAPIURL(pg.url)
	if err != nil {
		return product.Product{}, product.Wrap(product.CodeUnhandledException, err).WithMeta("url", pg.url)
	}
	api, ferr := load(ctx, session, s.logger, SainsburyBaseURL, apiURL, "")
	if ferr != nil {
		return product.Product{}, ferr
	}

	var resp struct {
		Products []sainsburyProduct `json:"products"`
	}
	if err := json.Unmarshal([]byte(jsonBody(api.doc)), &resp); err != nil {
		return product.Product{}, product.Wrap(product.CodeUnhandledException, fmt.Errorf("decode product api: %w", err)).
			WithMeta("url", apiURL)
	}
	if len(resp.Products) == 0 {
		return product.Product{}, notFound("Product not found", apiURL)
	}
	p := resp.Products[0]

	price, perUnit := p.RetailPrice.Price, p.UnitPrice.Price
	if p.NectarPrice != nil {
		price, perUnit = p.NectarPrice.RetailPrice, p.NectarPrice.UnitPrice
	}
	var pricePerItem *string
	if perUnit < price {
		pricePerItem = stringPtr(strconv.FormatFloat(perUnit, 'f', -1, 64) + " per " + p.UnitPrice.Measure)
	}

	return product.Product{
		CountryOfOrigin: s.country(ctx, p.DetailsHTML),
		ID:              p.ProductUID,
		Image:           p.Image,
		Price:           FormatGBP(price),
		PricePerItem:    pricePerItem,
		Source:          product.SourceSainsbury,
		Title:           p.Name,
		Type:            "product",
		URL:             p.FullURL,
	}, nil
}

// country reads the origin from the encoded details block, falling back to
// the manufacturer address.
func (s *Sainsbury) country(ctx context.Context, encoded string) string {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		s.logger.Debug("details html is not base64", zap.Error(err))
		return product.UnknownCountry
	}
	details := string(raw)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(details))
	if err != nil {
		return product.UnknownCountry
	}

	if strings.Contains(details, "Country of Origin") {
		text := doc.Find(sainsburyAccordion).FilterFunction(func(_ int, sel *goquery.Selection) bool {
			return strings.Contains(sel.Text(), "Country of Origin")
		}).Find(".itemTypeGroup").First().Text()
		for _, line := range strings.Split(text, "\n") {
			if !strings.Contains(strings.ToLower(line), "country of origin") {
				continue
			}
			if _, after, ok := strings.Cut(line, ":"); ok && strings.TrimSpace(after) != "" {
				return strings.TrimSpace(after)
			}
		}
		return product.UnknownCountry
	}

	manufacturer := strings.TrimSpace(doc.Find(sainsburyAccordion).FilterFunction(func(_ int, sel *goquery.Selection) bool {
		return sel.Find("h1, h2, h3, h4, h5, h6").FilterFunction(func(_ int, h *goquery.Selection) bool {
			return strings.TrimSpace(h.Text()) == "Manufacturer"
		}).Length() > 0
	}).Find(".itemTypeGroup").First().Text())
	if manufacturer == "" || s.extractor == nil {
		return product.UnknownCountry
	}
	if c := s.extractor.ExtractCountry(ctx, manufacturer).ExtractedCountry; c != "" {
		return c
	}
	return product.UnknownCountry
}

// jsonBody returns the document Chrome renders for a JSON response.
func jsonBody(doc *goquery.Document) string {
	if pre := doc.Find("pre").First(); pre.Length() > 0 {
		return pre.Text()
	}
	return doc.Find("body").Text()
}
