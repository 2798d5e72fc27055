package llm

import (
	"context"
	"fmt"

	"github.com/JakeFAU/realtime-product-stream/internal/product"
)

const (
	countrySystem = "You are AI system that able to extract country from address and understand the boundaries of Country."
	weightSystem  = "You are AI system that able to read product titles and understand units of weight and volume."
)

// Country is the reply to a country-of-origin extraction.
type Country struct {
	ExtractedCountry string `json:"extractedCountry"`
	WithInUK         bool   `json:"withInUK"`
}

// DefaultCountry is returned when extraction fails.
func DefaultCountry() Country {
	return Country{ExtractedCountry: product.UnknownCountry}
}

// Weight is the reply to a pack-weight extraction. TotalWeight is nil when
// the text carries no weight.
type Weight struct {
	TotalWeight *float64 `json:"totalWeight"`
	WeightUnit  string   `json:"weightUnit"`
}

// Known reports whether a usable weight was extracted.
func (w Weight) Known() bool {
	return w.TotalWeight != nil && *w.TotalWeight > 0 && w.WeightUnit != ""
}

func countryPrompt(address string) string {
	return "<|user|>\n" +
		"Extract country from given address and report do the country extracted within United Kingdom?\n" +
		"Generated response in JSON Object format with 2 key, 'extractedCountry' (string) and 'withInUK' (boolean)<|end|>\n" +
		"<|assistant|>\n" + address + "<|end|>"
}

func weightPrompt(description string) string {
	return "<|user|>\n" +
		"Extract the total weight of the product from given description. Multiply pack counts by the weight of one item.\n" +
		"Generated response in JSON Object format with 2 key, 'totalWeight' (number or null) and 'weightUnit' (string, for example 'kg', 'g', 'ml')<|end|>\n" +
		fmt.Sprintf("<|assistant|>\n%s<|end|>", description)
}

// ExtractCountry asks the service which country address belongs to.
func (c *Client) ExtractCountry(ctx context.Context, address string) Country {
	out := DefaultCountry()
	if !c.extract(ctx, "country", countrySystem, countryPrompt(address), &out) {
		return DefaultCountry()
	}
	if out.ExtractedCountry == "" {
		out.ExtractedCountry = product.UnknownCountry
	}
	return out
}

// ExtractTotalWeight asks the service for the total weight described by a
// product title.
func (c *Client) ExtractTotalWeight(ctx context.Context, description string) Weight {
	var out Weight
	if !c.extract(ctx, "weight", weightSystem, weightPrompt(description), &out) {
		return Weight{}
	}
	return out
}
