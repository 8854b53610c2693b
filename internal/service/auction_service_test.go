package service

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"

	"skyquery/internal/domain"
	"skyquery/internal/engine"
	"skyquery/internal/history"
	"skyquery/internal/index"
	"skyquery/internal/query"

	"github.com/shopspring/decimal"
)

type fixedStatus engine.Status

func (f fixedStatus) Status() engine.Status { return engine.Status(f) }

func newTestService(t *testing.T, features ...string) *AuctionService {
	t.Helper()
	set, err := domain.ParseFeatures(features)
	if err != nil {
		t.Fatalf("ParseFeatures: %v", err)
	}

	now := time.Now()
	state := index.NewCommitted()
	snap, _ := index.NewSnapshot(now, []*domain.ListingRecord{
		{ID: "a", ItemID: "HYPERION", Tier: "LEGENDARY", Bin: true, Price: 700},
		{ID: "b", ItemID: "JUJU_SHORTBOW", Tier: "EPIC", Bin: true, Price: 50},
	})
	state.Swap(index.NewState("c1", snap, []domain.UndercutEvent{{ListingID: "a", ItemID: "HYPERION", Price: 700, PreviousLowest: 2_000_000, Delta: 1_999_300}}))

	hist := history.NewAggregator(time.Minute, 7*24*time.Hour)
	hist.Apply(hist.Stage([]domain.Sale{
		{ListingID: "p1", ItemID: "BEE;2", Kind: domain.SaleBin, Price: 100, At: now, Collectible: "[LVL_100]_BEE_RARE"},
		{ListingID: "p2", ItemID: "BEE;2", Kind: domain.SaleAuction, Price: 300, At: now, Collectible: "[LVL_100]_BEE_RARE"},
	}, now))

	status := fixedStatus{IsUpdating: true, TotalUpdates: 7, LastUpdated: time.UnixMilli(1_700_000_000_000), LastDuration: 1500 * time.Millisecond}
	return NewAuctionService(state, hist, query.NewEngine(state, nil, 500), status, Options{
		APIKey:      "user",
		AdminAPIKey: "admin",
		Features:    set,
	})
}

func TestAuthorize(t *testing.T) {
	s := newTestService(t, "ALL")

	if s.Authorize("user") != domain.AccessStandard {
		t.Errorf("user key must be standard")
	}
	if s.Authorize("admin") != domain.AccessElevated {
		t.Errorf("admin key must be elevated")
	}
	if s.Authorize("") != domain.AccessNone || s.Authorize("nope") != domain.AccessNone {
		t.Errorf("unknown keys must have no access")
	}

	same := NewAuctionService(index.NewCommitted(), nil, nil, nil, Options{APIKey: "k"})
	if same.Authorize("k") != domain.AccessElevated {
		t.Errorf("admin key defaults to the api key")
	}
}

func TestFeatureGate(t *testing.T) {
	s := newTestService(t, "QUERY+AVERAGE_BIN")

	if _, err := s.LowestBin("user"); !errors.Is(err, domain.ErrFeatureDisabled) {
		t.Errorf("LowestBin err = %v, want ErrFeatureDisabled", err)
	}
	if _, err := s.Average("user", AverageAuction, "1", ""); !errors.Is(err, domain.ErrFeatureDisabled) {
		t.Errorf("average_auction err = %v, want ErrFeatureDisabled", err)
	}
	if _, err := s.Average("user", AverageAll, "1", ""); err != nil {
		t.Errorf("average must work with either flag, got %v", err)
	}

	var ae *domain.AuthError
	if _, err := s.QueryItems("bad"); !errors.As(err, &ae) {
		t.Errorf("QueryItems err = %v, want AuthError", err)
	}
	items, err := s.QueryItems("user")
	if err != nil || len(items) != 2 || items[0] != "HYPERION" {
		t.Errorf("QueryItems = %v, %v", items, err)
	}
}

func TestReads(t *testing.T) {
	s := newTestService(t, "ALL")

	lowest, err := s.LowestBin("user")
	if err != nil || lowest["HYPERION"] != 700 {
		t.Errorf("LowestBin = %v, %v", lowest, err)
	}

	under, err := s.UnderBin("user")
	if err != nil || len(under) != 1 || under[0].Delta != 1_999_300 {
		t.Errorf("UnderBin = %v, %v", under, err)
	}

	matches, err := s.Query(context.Background(), "user", url.Values{"tier": {"EPIC"}})
	if err != nil || len(matches) != 1 || matches[0].ID != "b" {
		t.Errorf("Query = %v, %v", matches, err)
	}
}

func TestPets(t *testing.T) {
	s := newTestService(t, "ALL")

	pets, err := s.Pets("user", "[lvl_100]_bee_rare,[LVL_1]_BEE_COMMON")
	if err != nil {
		t.Fatalf("Pets failed: %v", err)
	}
	if len(pets) != 1 {
		t.Fatalf("Expected 1 known pet, got %+v", pets)
	}
	if pets[0].Last != 300 || pets[0].Count != 2 || !pets[0].Average.Equal(decimal.NewFromInt(200)) {
		t.Errorf("unexpected pet price %+v", pets[0])
	}

	var ve *domain.ValidationError
	if _, err := s.Pets("user", "GOLDEN_DRAGON"); !errors.As(err, &ve) {
		t.Errorf("malformed descriptor err = %v, want ValidationError", err)
	}
	if _, err := s.Pets("user", ""); !errors.As(err, &ve) {
		t.Errorf("empty descriptor list err = %v, want ValidationError", err)
	}
}

func TestAverage(t *testing.T) {
	s := newTestService(t, "ALL")
	from := time.Now().Add(-time.Hour).UnixMilli()

	series, err := s.Average("user", AverageBin, strconv.FormatInt(from, 10), "60")
	if err != nil {
		t.Fatalf("Average failed: %v", err)
	}
	if len(series["BEE;2"]) == 0 || series["BEE;2"][0].Sum != 100 {
		t.Errorf("bin series = %+v", series)
	}

	all, _ := s.Average("user", AverageAll, strconv.FormatInt(from, 10), "60")
	var count int64
	for _, p := range all["BEE;2"] {
		count += p.Count
	}
	if count != 2 {
		t.Errorf("Expected both sale kinds merged, got %d", count)
	}

	invalid := []struct{ time, step, param string }{
		{"", "", "time"},
		{"-5", "", "time"},
		{"abc", "", "time"},
		{"1", "0", "step"},
		{"1", "x", "step"},
		{"1", "20000", "step"},
	}
	for _, tc := range invalid {
		_, err := s.Average("user", AverageBin, tc.time, tc.step)
		var ve *domain.ValidationError
		if !errors.As(err, &ve) || ve.Param != tc.param {
			t.Errorf("Average(%q, %q) err = %v, want ValidationError on %s", tc.time, tc.step, err, tc.param)
		}
	}
}

func TestStatus(t *testing.T) {
	s := newTestService(t, "QUERY+LOWESTBIN")

	st := s.Status()
	if !st.Success || !st.IsUpdating || st.TotalUpdates != 7 || st.LastDurationMS != 1500 || st.Listings != 2 {
		t.Errorf("unexpected status %+v", st)
	}
	if !st.EnabledFeatures["QUERY"] || st.EnabledFeatures["PETS"] {
		t.Errorf("unexpected features %v", st.EnabledFeatures)
	}
	if st.LastUpdated != 1_700_000_000_000 {
		t.Errorf("LastUpdated = %d", st.LastUpdated)
	}
}
