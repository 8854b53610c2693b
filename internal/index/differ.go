package index

import (
	"time"

	"skyquery/internal/domain"
)

// Changeset is the difference between two consecutive snapshots
type Changeset struct {
	New     []*domain.ListingRecord
	Updated []*domain.ListingRecord
	Removed []string
	Sales   []domain.Sale
}

// Upserts returns every listing of the next snapshot that must be written
func (c *Changeset) Upserts() []*domain.ListingRecord {
	out := make([]*domain.ListingRecord, 0, len(c.New)+len(c.Updated))
	out = append(out, c.New...)
	return append(out, c.Updated...)
}

// Diff reconciles next against prev. Listings in both take the latest values.
// Removed listings become sales when they carry a completion signal and are
// dropped silently otherwise.
func Diff(prev, next *Snapshot, now time.Time) *Changeset {
	cs := &Changeset{}

	for _, l := range next.Listings {
		if _, ok := prev.Get(l.ID); ok {
			cs.Updated = append(cs.Updated, l)
		} else {
			cs.New = append(cs.New, l)
		}
	}

	if prev == nil {
		return cs
	}
	for _, l := range prev.Listings {
		if _, ok := next.Get(l.ID); ok {
			continue
		}
		cs.Removed = append(cs.Removed, l.ID)
		if sale, ok := completedSale(l, now); ok {
			cs.Sales = append(cs.Sales, sale)
		}
	}
	return cs
}

// completedSale interprets a removed listing.
//   - fixed price, never bid above the asking price, removed before its end: sold at the price
//   - auction with bids: sold at the highest bid
func completedSale(l *domain.ListingRecord, now time.Time) (domain.Sale, bool) {
	sale := domain.Sale{
		ListingID: l.ID,
		ItemID:    l.ItemID,
		At:        now,
	}

	highest := l.HighestBid()
	switch {
	case l.Bin:
		if highest > l.Price || !l.EndTime().After(now) {
			return domain.Sale{}, false
		}
		sale.Kind = domain.SaleBin
		sale.Price = l.Price
	case highest > 0:
		sale.Kind = domain.SaleAuction
		sale.Price = highest
	default:
		return domain.Sale{}, false
	}

	if d, ok := domain.CollectibleFor(l); ok {
		sale.Collectible = d.String()
	}
	return sale, true
}
