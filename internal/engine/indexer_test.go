package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"skyquery/internal/domain"
	"skyquery/internal/history"
	"skyquery/internal/index"
	"skyquery/internal/infra"
	"skyquery/internal/infra/hypixel"
	"skyquery/internal/nbt"
)

var testNow = time.UnixMilli(1_700_000_000_000)

var errCorrupt = errors.New("corrupt blob")

// fakeDecode treats the blob as the item id. "corrupt" fails.
func fakeDecode(blob string) (*nbt.Item, error) {
	if blob == "corrupt" {
		return nil, errCorrupt
	}
	return &nbt.Item{ID: blob, Name: blob}, nil
}

type memStore struct {
	mu      sync.Mutex
	commits []*domain.CommitBatch
	failErr error

	listings     []*domain.ListingRecord
	buckets      []domain.PriceBucket
	collectibles []domain.CollectiblePrice
}

func (m *memStore) Commit(_ context.Context, b *domain.CommitBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.commits = append(m.commits, b)
	return nil
}

func (m *memStore) LoadListings(context.Context) ([]*domain.ListingRecord, error) {
	return m.listings, nil
}

func (m *memStore) LoadBuckets(context.Context) ([]domain.PriceBucket, error) {
	return m.buckets, nil
}

func (m *memStore) LoadCollectibles(context.Context) ([]domain.CollectiblePrice, error) {
	return m.collectibles, nil
}

func (m *memStore) RawQuery(context.Context, domain.RawQuery) ([]*domain.ListingRecord, error) {
	return nil, nil
}

func (m *memStore) commitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commits)
}

type staticSource struct {
	res *domain.FetchResult
	err error
}

func (s *staticSource) FetchAll(context.Context) (*domain.FetchResult, error) {
	return s.res, s.err
}

type recordingPublisher struct {
	events [][]domain.UndercutEvent
}

func (p *recordingPublisher) Broadcast(events []domain.UndercutEvent) {
	p.events = append(p.events, events)
}

func raw(id, item string, bin bool, price int64) domain.RawListing {
	return domain.RawListing{ID: id, Seller: "s", ItemName: "§6" + item, Tier: "LEGENDARY", Bin: bin, Price: price, End: testNow.UnixMilli() + 3_600_000, ItemBytes: item}
}

func newTestIndexer(src domain.PageSource, store *memStore, pub Publisher) (*Indexer, *index.Committed, *history.Aggregator) {
	state := index.NewCommitted()
	hist := history.NewAggregator(time.Minute, 7*24*time.Hour)
	ix := NewIndexer(src, store, state, hist, pub, Options{
		DecodeWorkers:         4,
		MaxDecodeFailureRatio: 0.5,
		UndercutMargin:        1_000_000,
	})
	ix.decode = fakeDecode
	ix.now = func() time.Time { return testNow }
	return ix, state, hist
}

func TestRunCycle_CommitAndDerive(t *testing.T) {
	store := &memStore{}
	src := &staticSource{res: &domain.FetchResult{Pages: 1, Listings: []domain.RawListing{
		raw("a", "HYPERION", true, 10_000_000),
		raw("b", "HYPERION", true, 12_000_000),
		raw("c", "TERMINATOR", false, 500),
	}}}
	pub := &recordingPublisher{}
	ix, state, hist := newTestIndexer(src, store, pub)
	ctx := context.Background()

	report, err := ix.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if report.Listings != 3 || report.New != 3 || report.ID == "" {
		t.Errorf("unexpected report %+v", report)
	}

	st := state.Load()
	if st.Lowest["HYPERION"] != 10_000_000 {
		t.Errorf("lowest = %d", st.Lowest["HYPERION"])
	}
	if rec, _ := st.Snapshot.Get("a"); rec.Name != "HYPERION" {
		t.Errorf("color codes must be stripped, got %q", rec.Name)
	}

	// Cycle 2: a sold, d undercuts the previous lowest, e is just below the margin
	src.res = &domain.FetchResult{Pages: 1, Listings: []domain.RawListing{
		raw("b", "HYPERION", true, 12_000_000),
		raw("c", "TERMINATOR", false, 500),
		raw("d", "HYPERION", true, 8_500_000),
		raw("e", "HYPERION", true, 9_200_000),
	}}
	report, err = ix.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if report.Removed != 1 || report.Sales != 1 || report.Undercuts != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	st = state.Load()
	if len(st.Undercuts) != 1 || st.Undercuts[0].ListingID != "d" || st.Undercuts[0].Delta != 1_500_000 {
		t.Errorf("unexpected undercuts %+v", st.Undercuts)
	}
	if st.Lowest["HYPERION"] != 8_500_000 {
		t.Errorf("lowest must be rebuilt, got %d", st.Lowest["HYPERION"])
	}
	if len(pub.events) != 2 || len(pub.events[1]) != 1 {
		t.Errorf("publisher must receive every cycle's events, got %+v", pub.events)
	}

	last := store.commits[1]
	if len(last.Deletes) != 1 || last.Deletes[0] != "a" || len(last.Upserts) != 4 {
		t.Errorf("unexpected batch %+v", last)
	}
	if len(last.Buckets) != 1 || last.Buckets[0].Sum != 10_000_000 {
		t.Errorf("sale must be staged into the batch, got %+v", last.Buckets)
	}

	series := hist.Series([]domain.SaleKind{domain.SaleBin}, testNow.Add(-time.Hour), time.Hour, testNow)
	if len(series["HYPERION"]) != 1 {
		t.Errorf("history must be applied after commit, got %+v", series)
	}
}

func TestRunCycle_DecodeFailureDropsOnlyThatRecord(t *testing.T) {
	store := &memStore{}
	listings := make([]domain.RawListing, 0, 10)
	for i := 0; i < 10; i++ {
		listings = append(listings, raw("id"+strconv.Itoa(i), "JUJU", true, int64(100+i)))
	}
	listings[4].ItemBytes = "corrupt"

	ix, state, _ := newTestIndexer(&staticSource{res: &domain.FetchResult{Pages: 1, Listings: listings}}, store, nil)

	report, err := ix.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if report.DecodeFailures != 1 || report.Listings != 9 {
		t.Errorf("unexpected report %+v", report)
	}
	st := state.Load()
	if st.Snapshot.Len() != 9 {
		t.Fatalf("Expected 9 committed listings, got %d", st.Snapshot.Len())
	}
	if _, ok := st.Snapshot.Get("id4"); ok {
		t.Errorf("undecodable record must be dropped")
	}
}

func TestRunCycle_RejectsInvalidRecords(t *testing.T) {
	store := &memStore{}
	listings := []domain.RawListing{
		raw("ok1", "A", true, 1),
		raw("ok2", "A", true, 2),
		raw("ok3", "A", true, 3),
		raw("", "A", true, 4),
		raw("neg", "A", true, -5),
		raw("ok1", "A", true, 6),
	}
	ix, state, _ := newTestIndexer(&staticSource{res: &domain.FetchResult{Listings: listings}}, store, nil)

	report, err := ix.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if report.DecodeFailures != 2 || report.Duplicates != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	for _, l := range state.Load().Snapshot.Listings {
		if l.Price < 0 {
			t.Errorf("negative price committed: %+v", l)
		}
	}
	if rec, _ := state.Load().Snapshot.Get("ok1"); rec.Price != 1 {
		t.Errorf("first occurrence must win, got %d", rec.Price)
	}
}

func TestRunCycle_DecodeStormAborts(t *testing.T) {
	store := &memStore{}
	listings := []domain.RawListing{raw("a", "A", true, 1), raw("b", "corrupt", true, 1), raw("c", "corrupt", true, 1)}
	listings[1].ItemBytes = "corrupt"
	listings[2].ItemBytes = "corrupt"

	ix, state, _ := newTestIndexer(&staticSource{res: &domain.FetchResult{Listings: listings}}, store, nil)
	before := state.Load()

	_, err := ix.RunCycle(context.Background())
	if !errors.Is(err, domain.ErrDecodeStorm) {
		t.Fatalf("err = %v, want ErrDecodeStorm", err)
	}
	if state.Load() != before || store.commitCount() != 0 {
		t.Errorf("decode storm must not commit")
	}
}

func TestRunCycle_PersistenceFailureKeepsState(t *testing.T) {
	store := &memStore{}
	src := &staticSource{res: &domain.FetchResult{Listings: []domain.RawListing{raw("a", "A", true, 1)}}}
	ix, state, hist := newTestIndexer(src, store, nil)
	ctx := context.Background()

	if _, err := ix.RunCycle(ctx); err != nil {
		t.Fatalf("seed cycle failed: %v", err)
	}
	before := state.Load()

	// a is sold, but the commit fails
	src.res = &domain.FetchResult{Listings: []domain.RawListing{raw("b", "A", true, 2)}}
	store.failErr = errors.New("database is locked")

	_, err := ix.RunCycle(ctx)
	var pe *domain.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}
	if state.Load() != before {
		t.Errorf("committed state must not be swapped after a failed commit")
	}
	if hist.BucketCount() != 0 {
		t.Errorf("history must not apply a failed cycle's sales")
	}
}

// fivePageServer serves five pages; page 3 fails with 503 while failing is set
type fivePageServer struct {
	failing atomic.Bool
	price   atomic.Int64
}

func (s *fivePageServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page == 3 && s.failing.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"success":     true,
		"page":        page,
		"totalPages":  5,
		"lastUpdated": testNow.UnixMilli(),
		"auctions": []map[string]any{{
			"uuid":         fmt.Sprintf("listing-%d", page),
			"auctioneer":   "seller",
			"end":          testNow.UnixMilli() + 3_600_000,
			"item_name":    "Item",
			"tier":         "RARE",
			"starting_bid": s.price.Load() + int64(page),
			"bin":          true,
			"item_bytes":   fmt.Sprintf("ITEM_%d", page%2),
		}},
	})
}

func TestRunCycle_PageExhaustingRetriesLeavesStateUnchanged(t *testing.T) {
	srv := &fivePageServer{}
	srv.price.Store(1000)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := hypixel.NewClient(hypixel.Options{BaseURL: ts.URL, MaxRetries: 2, RetryDelay: time.Millisecond, Workers: 2})
	store := &memStore{}
	ix, state, hist := newTestIndexer(client, store, nil)
	ctx := context.Background()

	if _, err := ix.RunCycle(ctx); err != nil {
		t.Fatalf("seed cycle failed: %v", err)
	}
	before := state.Load()
	beforeJSON, _ := json.Marshal(before.Snapshot.Listings)
	beforeLowest, _ := json.Marshal(before.Lowest)
	bucketsBefore := hist.BucketCount()

	srv.failing.Store(true)
	srv.price.Store(1)

	_, err := ix.RunCycle(ctx)
	var fe *domain.FetchError
	if !errors.As(err, &fe) || fe.Page != 3 {
		t.Fatalf("err = %v, want FetchError for page 3", err)
	}

	after := state.Load()
	if after != before {
		t.Fatalf("committed state pointer changed")
	}
	afterJSON, _ := json.Marshal(after.Snapshot.Listings)
	afterLowest, _ := json.Marshal(after.Lowest)
	if string(afterJSON) != string(beforeJSON) || string(afterLowest) != string(beforeLowest) {
		t.Errorf("committed snapshot or lowest table changed")
	}
	if store.commitCount() != 1 || hist.BucketCount() != bucketsBefore {
		t.Errorf("failed fetch must not write anything")
	}
}

func TestRestore(t *testing.T) {
	store := &memStore{
		listings: []*domain.ListingRecord{
			{ID: "x", ItemID: "HYPERION", Bin: true, Price: 700},
			{ID: "y", ItemID: "HYPERION", Bin: true, Price: 500},
		},
		buckets: []domain.PriceBucket{{ItemID: "HYPERION", Start: domain.AlignBucket(testNow, time.Minute), Kind: domain.SaleBin, Sum: 5, Count: 1}},
	}
	ix, state, hist := newTestIndexer(&staticSource{}, store, nil)
	metrics := &infra.Metrics{}
	ix.metrics = metrics

	if err := ix.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if got := metrics.Snapshot().Listings; got != 2 {
		t.Errorf("listings gauge = %d, want 2", got)
	}
	st := state.Load()
	if st.Snapshot.Len() != 2 || st.Lowest["HYPERION"] != 500 {
		t.Errorf("unexpected restored state %+v", st)
	}
	if hist.BucketCount() != 1 {
		t.Errorf("buckets not restored")
	}
}

func TestRunCycle_SetsListingsGauge(t *testing.T) {
	src := &staticSource{res: &domain.FetchResult{Listings: []domain.RawListing{
		raw("a", "A", true, 1),
		raw("b", "B", true, 2),
		raw("c", "C", true, 3),
	}}}
	ix, _, _ := newTestIndexer(src, &memStore{}, nil)
	metrics := &infra.Metrics{}
	ix.metrics = metrics

	if _, err := ix.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if got := metrics.Snapshot().Listings; got != 3 {
		t.Errorf("listings gauge = %d, want 3", got)
	}

	src.res = &domain.FetchResult{Listings: []domain.RawListing{raw("a", "A", true, 1)}}
	if _, err := ix.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if got := metrics.Snapshot().Listings; got != 1 {
		t.Errorf("listings gauge = %d, want 1", got)
	}
}

func TestRunCycle_PetTierAndBookName(t *testing.T) {
	items := map[string]*nbt.Item{
		"pet": {
			ID:   "PET",
			Name: "[Lvl 100] Golden Dragon",
			Attributes: domain.AttributeSet{
				Pet: &domain.PetInfo{Type: "GOLDEN_DRAGON", Tier: "EPIC", HeldItem: "PET_ITEM_TIER_BOOST"},
			},
		},
		"book": {
			ID:         "ENCHANTED_BOOK",
			Name:       "Enchanted Book",
			Lore:       []string{"§9Sharpness VI", "§7Increases damage"},
			Attributes: domain.AttributeSet{Enchantments: map[string]int{"SHARPNESS": 6}},
		},
		"book_no_lore": {
			ID:         "ENCHANTED_BOOK",
			Name:       "Enchanted Book",
			Lore:       []string{"§9Ultimate Wise V"},
			Attributes: domain.AttributeSet{Enchantments: map[string]int{"ULTIMATE_WISE": 5}},
		},
	}

	pet := raw("p", "pet", true, 100)
	pet.ItemName = "§6[Lvl 100] Golden Dragon"
	pet.Tier = "LEGENDARY"
	book := raw("b", "book", true, 200)
	book.ItemName = "§fEnchanted Book"
	book.Lore = "§9Sharpness V\n§7Increases damage by §a25%"
	bookNoLore := raw("n", "book_no_lore", true, 300)
	bookNoLore.ItemName = "§fEnchanted Book"

	src := &staticSource{res: &domain.FetchResult{Listings: []domain.RawListing{pet, book, bookNoLore}}}
	ix, state, _ := newTestIndexer(src, &memStore{}, nil)
	ix.decode = func(blob string) (*nbt.Item, error) { return items[blob], nil }

	if _, err := ix.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	snap := state.Load().Snapshot

	tests := []struct {
		id       string
		wantName string
		wantTier string
		wantItem string
	}{
		{"p", "[Lvl 100] Golden Dragon", "EPIC", "GOLDEN_DRAGON;3"},
		{"b", "Sharpness V", "LEGENDARY", "SHARPNESS;6"},
		{"n", "Ultimate Wise V", "LEGENDARY", "ULTIMATE_WISE;5"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rec, ok := snap.Get(tt.id)
			if !ok {
				t.Fatalf("listing %s not committed", tt.id)
			}
			if rec.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", rec.Name, tt.wantName)
			}
			if rec.Tier != tt.wantTier {
				t.Errorf("Tier = %q, want %q", rec.Tier, tt.wantTier)
			}
			if rec.ItemID != tt.wantItem {
				t.Errorf("ItemID = %q, want %q", rec.ItemID, tt.wantItem)
			}
		})
	}
}
