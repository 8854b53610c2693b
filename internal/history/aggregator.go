package history

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"skyquery/internal/domain"

	"github.com/shopspring/decimal"
)

// Point is one merged window of a price series
type Point struct {
	Time    int64           `json:"time"` // Window start, Unix ms
	Average decimal.Decimal `json:"average"`
	Sum     int64           `json:"sum"`
	Count   int64           `json:"count"`
}

// Delta is the staged effect of one cycle's sales, written to storage before
// it is applied in memory
type Delta struct {
	Buckets      []domain.PriceBucket // Post-cycle values of touched buckets
	Horizon      int64                // Buckets starting before this are pruned (Unix seconds)
	Pruned       []domain.BucketKey
	Collectibles []domain.CollectiblePrice // Post-cycle values of touched descriptors
}

// Aggregator keeps finest-width price buckets and collectible prices in memory.
// Stage and Apply are called by the cycle driver only; queries run concurrently.
type Aggregator struct {
	mu           sync.RWMutex
	width        time.Duration
	retention    time.Duration
	buckets      map[domain.BucketKey]domain.PriceBucket
	collectibles map[string]domain.CollectiblePrice

	logger *slog.Logger
}

// NewAggregator creates an empty aggregator
func NewAggregator(width, retention time.Duration) *Aggregator {
	return &Aggregator{
		width:        width,
		retention:    retention,
		buckets:      make(map[domain.BucketKey]domain.PriceBucket),
		collectibles: make(map[string]domain.CollectiblePrice),
		logger:       slog.Default().With("module", "history"),
	}
}

// Width returns the finest bucket width
func (a *Aggregator) Width() time.Duration {
	return a.width
}

// Retention returns the retention horizon
func (a *Aggregator) Retention() time.Duration {
	return a.retention
}

// Load replaces the in-memory state with persisted buckets and collectibles
func (a *Aggregator) Load(buckets []domain.PriceBucket, collectibles []domain.CollectiblePrice) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buckets = make(map[domain.BucketKey]domain.PriceBucket, len(buckets))
	for _, b := range buckets {
		a.buckets[b.Key()] = b
	}
	a.collectibles = make(map[string]domain.CollectiblePrice, len(collectibles))
	for _, c := range collectibles {
		a.collectibles[c.Descriptor] = c
	}
	a.logger.Info("History restored", "buckets", len(buckets), "collectibles", len(collectibles))
}

func (a *Aggregator) horizon(now time.Time) int64 {
	return domain.AlignBucket(now.Add(-a.retention), a.width)
}

// Stage computes the post-cycle values of every bucket and collectible touched by
// sales, and the buckets that fall out of retention. Nothing is modified.
func (a *Aggregator) Stage(sales []domain.Sale, now time.Time) *Delta {
	a.mu.RLock()
	defer a.mu.RUnlock()

	d := &Delta{Horizon: a.horizon(now)}

	staged := make(map[domain.BucketKey]domain.PriceBucket)
	stagedCollectibles := make(map[string]domain.CollectiblePrice)

	for _, s := range sales {
		key := domain.BucketKey{ItemID: s.ItemID, Start: domain.AlignBucket(s.At, a.width), Kind: s.Kind}
		if key.Start < d.Horizon {
			continue
		}
		b, ok := staged[key]
		if !ok {
			b, ok = a.buckets[key]
			if !ok {
				b = domain.PriceBucket{ItemID: key.ItemID, Start: key.Start, Kind: key.Kind}
			}
		}
		b.Sum += s.Price
		b.Count++
		staged[key] = b

		if s.Collectible == "" {
			continue
		}
		c, ok := stagedCollectibles[s.Collectible]
		if !ok {
			c, ok = a.collectibles[s.Collectible]
			if !ok {
				c = domain.CollectiblePrice{Descriptor: s.Collectible}
			}
		}
		c.Observe(s.Price, s.At)
		stagedCollectibles[s.Collectible] = c
	}

	for key := range a.buckets {
		if key.Start < d.Horizon {
			d.Pruned = append(d.Pruned, key)
		}
	}

	for _, b := range staged {
		d.Buckets = append(d.Buckets, b)
	}
	sort.Slice(d.Buckets, func(i, j int) bool { return lessKey(d.Buckets[i].Key(), d.Buckets[j].Key()) })

	for _, c := range stagedCollectibles {
		d.Collectibles = append(d.Collectibles, c)
	}
	sort.Slice(d.Collectibles, func(i, j int) bool { return d.Collectibles[i].Descriptor < d.Collectibles[j].Descriptor })

	return d
}

// Apply makes a committed delta visible to queries
func (a *Aggregator) Apply(d *Delta) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, key := range d.Pruned {
		delete(a.buckets, key)
	}
	for _, b := range d.Buckets {
		a.buckets[b.Key()] = b
	}
	for _, c := range d.Collectibles {
		a.collectibles[c.Descriptor] = c
	}
}

// Series merges the finest buckets of the given kinds into windows of step,
// per catalog item. from is clamped to the retention horizon; windows start at
// multiples of step.
func (a *Aggregator) Series(kinds []domain.SaleKind, from time.Time, step time.Duration, now time.Time) map[string][]Point {
	stepSec := int64(step / time.Second)
	if stepSec <= 0 {
		stepSec = int64(a.width / time.Second)
	}

	wanted := make(map[domain.SaleKind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}

	a.mu.RLock()
	horizon := a.horizon(now)
	fromSec := max(from.Unix(), horizon)

	type windowKey struct {
		item  string
		start int64
	}
	windows := make(map[windowKey]*Point)
	for key, b := range a.buckets {
		if !wanted[key.Kind] || key.Start < fromSec {
			continue
		}
		wk := windowKey{item: key.ItemID, start: floorDiv(key.Start, stepSec) * stepSec}
		p, ok := windows[wk]
		if !ok {
			p = &Point{Time: wk.start * 1000}
			windows[wk] = p
		}
		p.Sum += b.Sum
		p.Count += b.Count
	}
	a.mu.RUnlock()

	out := make(map[string][]Point)
	for wk, p := range windows {
		if p.Count > 0 {
			p.Average = decimal.NewFromInt(p.Sum).Div(decimal.NewFromInt(p.Count))
		}
		out[wk.item] = append(out[wk.item], *p)
	}
	for item := range out {
		points := out[item]
		sort.Slice(points, func(i, j int) bool { return points[i].Time < points[j].Time })
	}
	return out
}

// Collectible returns the price record of descriptor
func (a *Aggregator) Collectible(descriptor string) (domain.CollectiblePrice, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.collectibles[descriptor]
	return c, ok
}

// BucketCount returns the number of finest buckets held in memory
func (a *Aggregator) BucketCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.buckets)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func lessKey(x, y domain.BucketKey) bool {
	if x.ItemID != y.ItemID {
		return x.ItemID < y.ItemID
	}
	if x.Start != y.Start {
		return x.Start < y.Start
	}
	return x.Kind < y.Kind
}
