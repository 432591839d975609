package main

import (
	"context"
	"fmt"
)

const maxPageLimit = 100

// CatalogReader pages through an account's saved-gift collection.
type CatalogReader struct {
	svc       GiftService
	pageLimit int
}

func NewCatalogReader(svc GiftService, pageLimit int) *CatalogReader {
	if pageLimit < 1 {
		pageLimit = 1
	}
	if pageLimit > maxPageLimit {
		pageLimit = maxPageLimit
	}
	return &CatalogReader{svc: svc, pageLimit: pageLimit}
}

// Each walks every saved gift of a source in catalog order, following
// the continuation cursor until the service stops returning one. Each
// call starts from an empty cursor. Already-unique items are excluded
// at the source. Stops early when fn or the service errors.
func (r *CatalogReader) Each(ctx context.Context, source SourceRef, fn func(*SavedGift) error) error {
	offset := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := r.svc.SavedGifts(ctx, SavedGiftsRequest{
			Source:        source,
			Offset:        offset,
			Limit:         r.pageLimit,
			ExcludeUnique: true,
		})
		if err != nil {
			return fmt.Errorf("list saved gifts: %w", err)
		}

		for _, gift := range page.Gifts {
			if err := fn(gift); err != nil {
				return err
			}
		}
		metGiftsScanned.Add(float64(len(page.Gifts)))

		if page.NextOffset == "" {
			return nil
		}
		offset = page.NextOffset
	}
}
