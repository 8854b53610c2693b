package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"skyquery/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *Storage {
	dbName := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbName), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	s, err := newStorage(db)
	if err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func listing(id, itemID, tier string, price int64, bin bool) *domain.ListingRecord {
	return &domain.ListingRecord{
		ID:     id,
		ItemID: itemID,
		Name:   itemID,
		Tier:   tier,
		Bin:    bin,
		Price:  price,
		End:    1_700_000_600_000,
		Seller: "seller-" + id,
		Bids:   []domain.Bid{{Bidder: "b1", Amount: price + 10}},
		Attributes: domain.AttributeSet{
			Enchantments: map[string]int{"SHARPNESS": 6},
			Stars:        5,
			Modifiers:    map[domain.Modifier]int{domain.ModHotPotato: 10},
		},
	}
}

func TestCommitAndLoad(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	batch := &domain.CommitBatch{
		Upserts: []*domain.ListingRecord{
			listing("a", "HYPERION", "MYTHIC", 1000, true),
			listing("b", "TERMINATOR", "LEGENDARY", 2000, false),
		},
		Buckets: []domain.PriceBucket{
			{ItemID: "HYPERION", Start: 1_700_000_040, Kind: domain.SaleBin, Sum: 300, Count: 2},
		},
		Collectibles: []domain.CollectiblePrice{
			{Descriptor: "[LVL_100]_BEE_RARE", Last: 50, Sum: 150, Count: 3, UpdatedAt: time.Now()},
		},
	}

	// 1. Create
	if err := s.Commit(ctx, batch); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// 2. Load
	listings, err := s.LoadListings(ctx)
	if err != nil {
		t.Fatalf("LoadListings failed: %v", err)
	}
	if len(listings) != 2 {
		t.Fatalf("Expected 2 listings, got %d", len(listings))
	}
	a := listings[0]
	if a.ID != "a" || a.Price != 1000 || !a.Bin || a.Tier != "MYTHIC" {
		t.Errorf("unexpected listing %+v", a)
	}
	if !a.Attributes.HasEnchant("SHARPNESS", 6) || a.Attributes.Stars != 5 || a.Attributes.Modifiers[domain.ModHotPotato] != 10 {
		t.Errorf("attributes not restored: %+v", a.Attributes)
	}
	if len(a.Bids) != 1 || a.Bids[0].Amount != 1010 {
		t.Errorf("bids not restored: %+v", a.Bids)
	}

	buckets, err := s.LoadBuckets(ctx)
	if err != nil || len(buckets) != 1 || buckets[0].Sum != 300 || buckets[0].Kind != domain.SaleBin {
		t.Errorf("LoadBuckets = %+v, %v", buckets, err)
	}

	collectibles, err := s.LoadCollectibles(ctx)
	if err != nil || len(collectibles) != 1 || collectibles[0].Count != 3 {
		t.Errorf("LoadCollectibles = %+v, %v", collectibles, err)
	}

	// 3. Update + delete + prune
	updated := listing("a", "HYPERION", "MYTHIC", 900, true)
	second := &domain.CommitBatch{
		Upserts:     []*domain.ListingRecord{updated},
		Deletes:     []string{"b"},
		Buckets:     []domain.PriceBucket{{ItemID: "HYPERION", Start: 1_700_000_100, Kind: domain.SaleBin, Sum: 10, Count: 1}},
		PruneBefore: 1_700_000_060,
	}
	if err := s.Commit(ctx, second); err != nil {
		t.Fatalf("second Commit failed: %v", err)
	}

	listings, _ = s.LoadListings(ctx)
	if len(listings) != 1 || listings[0].Price != 900 {
		t.Errorf("Expected only updated listing a, got %+v", listings)
	}
	buckets, _ = s.LoadBuckets(ctx)
	if len(buckets) != 1 || buckets[0].Start != 1_700_000_100 {
		t.Errorf("Expected pruned bucket to be gone, got %+v", buckets)
	}
}

func TestCommit_RollsBackOnFailure(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if err := s.Commit(ctx, &domain.CommitBatch{
		Upserts: []*domain.ListingRecord{listing("keep", "HYPERION", "MYTHIC", 1000, true)},
	}); err != nil {
		t.Fatalf("seed Commit failed: %v", err)
	}

	boom := errors.New("disk on fire")
	err := s.db.Callback().Create().Before("gorm:create").Register("test:fail_buckets", func(tx *gorm.DB) {
		if tx.Statement.Table == "price_buckets" {
			tx.AddError(boom)
		}
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	err = s.Commit(ctx, &domain.CommitBatch{
		Upserts: []*domain.ListingRecord{listing("new", "TERMINATOR", "LEGENDARY", 5, true)},
		Deletes: []string{"keep"},
		Buckets: []domain.PriceBucket{{ItemID: "X", Start: 60, Kind: domain.SaleBin, Sum: 1, Count: 1}},
	})

	var pe *domain.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}

	listings, _ := s.LoadListings(ctx)
	if len(listings) != 1 || listings[0].ID != "keep" {
		t.Errorf("failed commit must leave storage unchanged, got %+v", listings)
	}
}

func TestRawQuery(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	s.Commit(ctx, &domain.CommitBatch{Upserts: []*domain.ListingRecord{
		listing("a", "HYPERION", "MYTHIC", 3000, true),
		listing("b", "HYPERION", "MYTHIC", 1000, true),
		listing("c", "TERMINATOR", "LEGENDARY", 2000, true),
	}})

	t.Run("filter and order", func(t *testing.T) {
		got, err := s.RawQuery(ctx, domain.RawQuery{Where: "tier = 'MYTHIC'", OrderBy: "starting_bid"})
		if err != nil {
			t.Fatalf("RawQuery failed: %v", err)
		}
		if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
			t.Errorf("unexpected result %+v", got)
		}
	})

	t.Run("enchant column", func(t *testing.T) {
		got, err := s.RawQuery(ctx, domain.RawQuery{Where: "enchants LIKE '%SHARPNESS;6%'", OrderBy: "starting_bid", Desc: true, Limit: 1})
		if err != nil {
			t.Fatalf("RawQuery failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != "a" {
			t.Errorf("unexpected result %+v", got)
		}
	})

	t.Run("rejected condition", func(t *testing.T) {
		_, err := s.RawQuery(ctx, domain.RawQuery{Where: "no_such_column = 1"})
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("err = %v, want ValidationError", err)
		}
	})

	t.Run("unsupported order column", func(t *testing.T) {
		_, err := s.RawQuery(ctx, domain.RawQuery{Where: "1 = 1", OrderBy: "auctioneer; DROP TABLE listings"})
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("err = %v, want ValidationError", err)
		}
	})
}
