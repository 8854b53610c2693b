package index

import (
	"sort"

	"skyquery/internal/domain"
)

// BuildLowest returns the minimum price per catalog item over the fixed-price
// listings of snap. Items without a fixed-price listing are absent.
func BuildLowest(snap *Snapshot) map[string]int64 {
	lowest := make(map[string]int64)
	if snap == nil {
		return lowest
	}
	for _, l := range snap.Listings {
		if !l.Bin {
			continue
		}
		if cur, ok := lowest[l.ItemID]; !ok || l.Price < cur {
			lowest[l.ItemID] = l.Price
		}
	}
	return lowest
}

// DetectUndercuts flags the new fixed-price listings priced at least margin below
// the previous cycle's lowest price for their item. Largest delta first.
func DetectUndercuts(fresh []*domain.ListingRecord, prevLowest map[string]int64, margin int64) []domain.UndercutEvent {
	events := []domain.UndercutEvent{}
	for _, l := range fresh {
		if !l.Bin {
			continue
		}
		prev, ok := prevLowest[l.ItemID]
		if !ok || !domain.IsUndercut(l.Price, prev, margin) {
			continue
		}
		events = append(events, domain.UndercutEvent{
			ListingID:      l.ID,
			ItemID:         l.ItemID,
			Name:           l.Name,
			Seller:         l.Seller,
			Price:          l.Price,
			PreviousLowest: prev,
			Delta:          prev - l.Price,
			End:            l.End,
		})
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].Delta != events[j].Delta {
			return events[i].Delta > events[j].Delta
		}
		return events[i].ListingID < events[j].ListingID
	})
	return events
}
