package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"skyquery/internal/domain"
	"skyquery/internal/history"
	"skyquery/internal/index"
	"skyquery/internal/infra"
	"skyquery/internal/nbt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Publisher receives each committed cycle's undercut events
type Publisher interface {
	Broadcast(events []domain.UndercutEvent)
}

// Options tune the cycle pipeline
type Options struct {
	DecodeWorkers         int
	MaxDecodeFailureRatio float64
	UndercutMargin        int64
	DumpPath              string // Written on panic
	Metrics               *infra.Metrics
}

// CycleReport summarizes one committed cycle
type CycleReport struct {
	ID             string
	Pages          int
	Listings       int
	New            int
	Updated        int
	Removed        int
	Sales          int
	Undercuts      int
	DecodeFailures int
	Duplicates     int
	Duration       time.Duration
	CommittedAt    time.Time
}

// Indexer runs fetch cycles: fetch, decode, diff, derive, commit, swap.
// RunCycle must not be called concurrently; the Scheduler guarantees that.
type Indexer struct {
	source    domain.PageSource
	store     domain.ListingStore
	state     *index.Committed
	history   *history.Aggregator
	publisher Publisher
	opts      Options

	metrics *infra.Metrics
	decode  func(blob string) (*nbt.Item, error)
	now     func() time.Time
	logger  *slog.Logger
}

// NewIndexer creates an indexer. publisher may be nil.
func NewIndexer(source domain.PageSource, store domain.ListingStore, state *index.Committed, hist *history.Aggregator, publisher Publisher, opts Options) *Indexer {
	if opts.DecodeWorkers <= 0 {
		opts.DecodeWorkers = 1
	}
	if opts.MaxDecodeFailureRatio <= 0 {
		opts.MaxDecodeFailureRatio = 1
	}
	if opts.DumpPath == "" {
		opts.DumpPath = "panic_dump.json"
	}
	if opts.Metrics == nil {
		opts.Metrics = infra.GlobalMetrics
	}
	nbt.Warmup(opts.DecodeWorkers)

	return &Indexer{
		source:    source,
		store:     store,
		state:     state,
		history:   hist,
		publisher: publisher,
		opts:      opts,
		metrics:   opts.Metrics,
		decode:    nbt.Decode,
		now:       time.Now,
		logger:    slog.Default().With("module", "indexer"),
	}
}

// Restore loads the last committed snapshot and the price history from storage
func (i *Indexer) Restore(ctx context.Context) error {
	listings, err := i.store.LoadListings(ctx)
	if err != nil {
		return err
	}
	buckets, err := i.store.LoadBuckets(ctx)
	if err != nil {
		return err
	}
	collectibles, err := i.store.LoadCollectibles(ctx)
	if err != nil {
		return err
	}

	i.history.Load(buckets, collectibles)
	snap, _ := index.NewSnapshot(i.now(), listings)
	i.state.Swap(index.NewState("restored", snap, nil))
	i.metrics.SetListings(snap.Len())

	i.logger.Info("Snapshot restored", "listings", snap.Len())
	return nil
}

// RunCycle performs one complete cycle. On any error the committed state,
// the price history and storage are left as they were.
func (i *Indexer) RunCycle(ctx context.Context) (report *CycleReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			i.DumpState(i.opts.DumpPath)
			report, err = nil, fmt.Errorf("cycle panicked: %v", r)
		}
	}()

	start := i.now()
	report = &CycleReport{ID: uuid.NewString()}
	logger := i.logger.With("cycle", report.ID)

	// 1. Fetch (any page failure aborts)
	res, err := i.source.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	report.Pages = res.Pages

	// 2. Decode
	records, failures, err := i.decodeAll(ctx, res.Listings, logger)
	if err != nil {
		return nil, err
	}
	report.DecodeFailures = failures
	if failures > 0 {
		logger.Warn("Dropped undecodable listings", "failed", failures, "total", len(res.Listings))
		if float64(failures)/float64(len(res.Listings)) > i.opts.MaxDecodeFailureRatio {
			return nil, fmt.Errorf("%w: %d of %d listings", domain.ErrDecodeStorm, failures, len(res.Listings))
		}
	}

	// 3. Snapshot + diff against the committed state
	now := i.now()
	snap, dups := index.NewSnapshot(now, records)
	if len(dups) > 0 {
		logger.Warn("Duplicate listing ids dropped", "count", len(dups))
	}
	report.Duplicates = len(dups)

	prev := i.state.Load()
	cs := index.Diff(prev.Snapshot, snap, now)

	// 4. Derived indices
	undercuts := index.DetectUndercuts(cs.New, prev.Lowest, i.opts.UndercutMargin)
	delta := i.history.Stage(cs.Sales, now)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cycle abandoned before commit: %w", err)
	}

	// 5. Commit (all or nothing)
	batch := &domain.CommitBatch{
		Upserts:      cs.Upserts(),
		Deletes:      cs.Removed,
		Buckets:      delta.Buckets,
		PruneBefore:  delta.Horizon,
		Collectibles: delta.Collectibles,
	}
	if err := i.store.Commit(ctx, batch); err != nil {
		var pe *domain.PersistenceError
		if !errors.As(err, &pe) {
			err = &domain.PersistenceError{Op: "commit", Err: err}
		}
		return nil, err
	}

	// 6. Publish
	i.history.Apply(delta)
	i.state.Swap(index.NewState(report.ID, snap, undercuts))
	i.metrics.SetListings(snap.Len())
	if i.publisher != nil {
		i.publisher.Broadcast(undercuts)
	}

	report.Listings = snap.Len()
	report.New = len(cs.New)
	report.Updated = len(cs.Updated)
	report.Removed = len(cs.Removed)
	report.Sales = len(cs.Sales)
	report.Undercuts = len(undercuts)
	report.CommittedAt = now
	report.Duration = i.now().Sub(start)

	logger.Info("Cycle committed",
		"listings", report.Listings,
		"new", report.New,
		"removed", report.Removed,
		"sales", report.Sales,
		"undercuts", report.Undercuts,
		"duration", report.Duration)
	return report, nil
}

// decodeAll decodes every raw listing on DecodeWorkers goroutines. Failed
// records are counted and dropped; the result keeps the input order.
func (i *Indexer) decodeAll(ctx context.Context, raw []domain.RawListing, logger *slog.Logger) ([]*domain.ListingRecord, int, error) {
	results := make([]*domain.ListingRecord, len(raw))
	errs := make([]error, len(raw))

	workers := i.opts.DecodeWorkers
	chunk := (len(raw) + workers - 1) / workers
	if chunk == 0 {
		chunk = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(raw); start += chunk {
		start := start
		end := min(start+chunk, len(raw))
		g.Go(func() error {
			for k := start; k < end; k++ {
				if k%256 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				results[k], errs[k] = i.buildRecord(&raw[k])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	records := make([]*domain.ListingRecord, 0, len(raw))
	failures := 0
	for k, err := range errs {
		if err != nil {
			failures++
			logger.Debug("Decode failed", "error", err)
			continue
		}
		records = append(records, results[k])
	}
	return records, failures, nil
}

func (i *Indexer) buildRecord(raw *domain.RawListing) (*domain.ListingRecord, error) {
	if raw.ID == "" {
		return nil, &domain.DecodeError{Err: errors.New("missing listing id")}
	}
	if raw.Price < 0 {
		return nil, &domain.DecodeError{ListingID: raw.ID, Err: fmt.Errorf("negative price %d", raw.Price)}
	}

	item, err := i.decode(raw.ItemBytes)
	if err != nil {
		return nil, &domain.DecodeError{ListingID: raw.ID, Err: err}
	}

	return &domain.ListingRecord{
		ID:         raw.ID,
		ItemID:     item.CatalogID(),
		Name:       displayName(raw, item),
		Tier:       tier(raw, item),
		Bin:        raw.Bin,
		Price:      raw.Price,
		End:        raw.End,
		Seller:     raw.Seller,
		Bids:       raw.Bids,
		Attributes: item.Attributes,
	}, nil
}

// displayName returns the listing name without color codes. Enchanted books
// are named after the first lore line, which carries the enchantment.
func displayName(raw *domain.RawListing, item *nbt.Item) string {
	if item.ID == "ENCHANTED_BOOK" {
		first, _, _ := strings.Cut(raw.Lore, "\n")
		if name := domain.StripColorCodes(first); name != "" {
			return name
		}
		if len(item.Lore) > 0 {
			if name := domain.StripColorCodes(item.Lore[0]); name != "" {
				return name
			}
		}
	}
	if name := domain.StripColorCodes(raw.ItemName); name != "" {
		return name
	}
	return item.Name
}

// tier returns the pet's own rarity when the item carries one, else the listing tier
func tier(raw *domain.RawListing, item *nbt.Item) string {
	if pet := item.Attributes.Pet; pet != nil && pet.Tier != "" {
		return pet.Tier
	}
	return raw.Tier
}

// DumpState writes the committed state summary to a file (for post-mortem).
func (i *Indexer) DumpState(filename string) {
	i.logger.Info("Dumping internal state...", slog.String("file", filename))

	st := i.state.Load()
	data := struct {
		Cycle     string                 `json:"cycle"`
		TakenAt   time.Time              `json:"taken_at"`
		Listings  int                    `json:"listings"`
		Lowest    map[string]int64       `json:"lowest"`
		Undercuts []domain.UndercutEvent `json:"undercuts"`
		Buckets   int                    `json:"buckets"`
	}{
		Cycle:     st.Cycle,
		TakenAt:   st.Snapshot.TakenAt,
		Listings:  st.Snapshot.Len(),
		Lowest:    st.Lowest,
		Undercuts: st.Undercuts,
		Buckets:   i.history.BucketCount(),
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		i.logger.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		i.logger.Error("Failed to write state dump", slog.Any("error", err))
	}
}
