package replystream

import (
	"context"
	"fmt"

	"github.com/JakeFAU/realtime-product-stream/internal/clock/system"
	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
	"github.com/JakeFAU/realtime-product-stream/internal/product"
)

// Writer builds reply stream writes. Methods named Put add to a caller owned
// batch; the others write immediately.
type Writer struct {
	store docstore.Store
	clock product.Clock
}

// NewWriter returns a Writer over store.
func NewWriter(store docstore.Store, clock product.Clock) *Writer {
	if clock == nil {
		clock = system.Clock{}
	}
	return &Writer{store: store, clock: clock}
}

func itemRef(requestID, itemID string) docstore.Ref {
	return docstore.NewRef(Collection(requestID), itemID)
}

// PutSuccess adds a success record for itemID to batch.
func (w *Writer) PutSuccess(batch docstore.Batch, requestID, itemID string, p product.Product) {
	batch.Set(itemRef(requestID, itemID), Success(p))
}

// WriteFailure records a failed fetch as a standalone write.
func (w *Writer) WriteFailure(ctx context.Context, requestID, itemID string, ferr *product.Error) error {
	if err := w.store.Set(ctx, itemRef(requestID, itemID), Failure(ferr)); err != nil {
		return fmt.Errorf("write failure record %s/%s: %w", requestID, itemID, err)
	}
	return nil
}

// PutTotal adds the success header to batch.
func (w *Writer) PutTotal(batch docstore.Batch, requestID string, total int, search product.Search) {
	batch.Set(docstore.NewRef(Collection(requestID), product.HeaderDocID), Header{
		Total:     &total,
		Search:    &search,
		WrittenAt: w.clock.Now(),
	})
}

// PutError adds the error header to batch.
func (w *Writer) PutError(batch docstore.Batch, requestID string, herr HeaderError) {
	batch.Set(docstore.NewRef(Collection(requestID), product.HeaderDocID), Header{
		Error:     &herr,
		WrittenAt: w.clock.Now(),
	})
}

// DiscardMeta adds the removal of the meta record to batch.
func (w *Writer) DiscardMeta(batch docstore.Batch, requestID string) {
	batch.Delete(docstore.NewRef(Collection(requestID), product.MetaDocID))
}

// WriteMeta records the accepted request.
func (w *Writer) WriteMeta(ctx context.Context, req product.SearchRequest) error {
	meta := Meta{
		RequestID: req.RequestID,
		Keyword:   req.Search.Keyword,
		Operation: OperationSearch,
		CreatedAt: req.CreatedAt,
	}
	if err := w.store.Set(ctx, docstore.NewRef(Collection(req.RequestID), product.MetaDocID), meta); err != nil {
		return fmt.Errorf("write meta %s: %w", req.RequestID, err)
	}
	return nil
}
