// Package product defines the domain types shared by the dispatcher, the
// workers and the reply stream.
package product

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies the retailer a product page belongs to.
type Source string

// Supported sources.
const (
	SourceLilysKitchen Source = "LILYS_KITCHEN"
	SourceOcado        Source = "OCADO"
	SourcePetsAtHome   Source = "PETS_AT_HOME"
	SourceVetShop      Source = "VET_SHOP"
	SourceZooplus      Source = "ZOOPLUS"
	SourceSainsbury    Source = "SAINSBURY"
)

var allSources = []Source{
	SourceLilysKitchen,
	SourceOcado,
	SourcePetsAtHome,
	SourceVetShop,
	SourceZooplus,
	SourceSainsbury,
}

// Sources returns every supported source.
func Sources() []Source {
	return append([]Source(nil), allSources...)
}

// Valid reports whether s is one of the supported sources.
func (s Source) Valid() bool {
	for _, candidate := range allSources {
		if s == candidate {
			return true
		}
	}
	return false
}

// ParseSource normalizes and validates a source name.
func ParseSource(raw string) (Source, error) {
	src := Source(strings.ToUpper(strings.TrimSpace(raw)))
	if !src.Valid() {
		return "", fmt.Errorf("unknown source %q", raw)
	}
	return src, nil
}

// UnknownCountry is recorded when no country of origin could be extracted.
const UnknownCountry = "Unknown"

// Product is the snapshot extracted from a product detail page.
type Product struct {
	CountryOfOrigin string  `json:"countryOfOrigin"`
	ID              string  `json:"id"`
	Image           string  `json:"image"`
	Price           string  `json:"price"`
	PricePerItem    *string `json:"pricePerItem"`
	Source          Source  `json:"source"`
	Title           string  `json:"title"`
	Type            string  `json:"type"`
	URL             string  `json:"url"`
}

// TaskProduct is the product reference carried by a Task.
type TaskProduct struct {
	ProductID  string `json:"productId"`
	ProductURL string `json:"productUrl"`
	Source     Source `json:"source"`
}

// Task asks a worker to fetch one product detail page for one request.
// RequestID travels in the Request-Id header, not in the body.
type Task struct {
	RequestID string      `json:"-"`
	TaskID    string      `json:"taskId,omitempty"`
	Product   TaskProduct `json:"product"`
}

// Validate checks the fields every worker needs before touching the store.
func (t Task) Validate() error {
	var missing []string
	if strings.TrimSpace(t.RequestID) == "" {
		missing = append(missing, "Request-Id")
	}
	if strings.TrimSpace(t.Product.ProductID) == "" {
		missing = append(missing, "product.productId")
	}
	if strings.TrimSpace(t.Product.ProductURL) == "" {
		missing = append(missing, "product.productUrl")
	}
	if len(missing) > 0 {
		return Errorf(CodeValidation, "missing required fields: %s", strings.Join(missing, ", "))
	}
	if !t.Product.Source.Valid() {
		return Errorf(CodeValidation, "unknown source %q", t.Product.Source)
	}
	if IsReservedID(t.Product.ProductID) {
		return Errorf(CodeValidation, "product.productId %q is reserved", t.Product.ProductID)
	}
	return nil
}

// Reserved document ids inside a reply collection.
const (
	HeaderDocID = "headers"
	MetaDocID   = "meta"
)

// IsReservedID reports whether id collides with a reply stream control
// document.
func IsReservedID(id string) bool {
	return id == HeaderDocID || id == MetaDocID
}

// Search carries the user supplied search parameters.
type Search struct {
	Keyword string `json:"keyword"`
}

// SearchRequest is created by the dispatcher when a search arrives.
type SearchRequest struct {
	RequestID string    `json:"requestId"`
	Search    Search    `json:"search"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the request id and keyword.
func (r SearchRequest) Validate() error {
	if strings.TrimSpace(r.RequestID) == "" {
		return NewError(CodeValidation, "missing Request-Id header")
	}
	if strings.TrimSpace(r.Search.Keyword) == "" {
		return NewError(CodeValidation, "search.keyword is required")
	}
	return nil
}

// Hit is one item discovered by a search.
type Hit struct {
	ItemID string `json:"itemId"`
	URL    string `json:"url"`
	Source Source `json:"source"`
}
