// Package replystream writes and reads the per-request reply collections.
//
// Every request owns the collection replies.{requestId}. Workers write one
// record per item, keyed by item id, and the dispatcher writes two control
// documents: "meta" when the request is accepted and "headers" once every
// task is enqueued (or dispatch failed). Readers follow the collection and
// stop once they have seen header.total distinct items.
package replystream

import (
	"time"

	"github.com/JakeFAU/realtime-product-stream/internal/product"
)

// Record types.
const (
	TypeDetail        = "FETCH_PRODUCT_DETAIL"
	TypeDetailFailure = "FETCH_PRODUCT_DETAIL_FAILURE"
)

// OperationSearch tags the meta record of a search request.
const OperationSearch = "SEARCH_PRODUCT"

// Collection returns the reply collection of requestID.
func Collection(requestID string) string {
	return "replies." + requestID
}

// Record is one per-item reply. Exactly one of Data and Error is set.
type Record struct {
	Type  string           `json:"type"`
	Data  *product.Product `json:"data,omitempty"`
	Error *product.Error   `json:"error,omitempty"`
}

// Success builds a success record.
func Success(p product.Product) Record {
	return Record{Type: TypeDetail, Data: &p}
}

// Failure builds a failure record.
func Failure(err *product.Error) Record {
	return Record{Type: TypeDetailFailure, Error: err}
}

// Failed reports whether r records a failed fetch.
func (r Record) Failed() bool {
	return r.Type == TypeDetailFailure
}

// HeaderError is the request level failure recorded in a header.
type HeaderError struct {
	Code    product.Code `json:"code"`
	Message string       `json:"message"`
}

// Header closes the dispatch phase of a request. Either Total or Error is set.
type Header struct {
	Total     *int            `json:"total,omitempty"`
	Search    *product.Search `json:"search,omitempty"`
	Error     *HeaderError    `json:"error,omitempty"`
	WrittenAt time.Time       `json:"writtenAt"`
}

// Meta records the accepted request.
type Meta struct {
	RequestID string    `json:"requestId"`
	Keyword   string    `json:"keyword"`
	Operation string    `json:"operation"`
	CreatedAt time.Time `json:"createdAt"`
}

// StreamError terminates a stream whose header carries an error.
type StreamError struct {
	Code    product.Code
	Message string
}

func (e *StreamError) Error() string {
	return "reply stream failed: " + string(e.Code) + ": " + e.Message
}
