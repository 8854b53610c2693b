package service

import (
	"context"
	"crypto/subtle"
	"net/url"
	"strconv"
	"strings"
	"time"

	"skyquery/internal/domain"
	"skyquery/internal/engine"
	"skyquery/internal/history"
	"skyquery/internal/index"
	"skyquery/internal/query"

	"github.com/shopspring/decimal"
)

// AverageKind selects which sales an average endpoint merges
type AverageKind string

const (
	AverageAuction AverageKind = "auction"
	AverageBin     AverageKind = "bin"
	AverageAll     AverageKind = "all"
)

// StatusSource reports the update loop's status
type StatusSource interface {
	Status() engine.Status
}

// PetPrice is the served form of one collectible price record
type PetPrice struct {
	Name      string          `json:"name"`
	Last      int64           `json:"last"`
	Average   decimal.Decimal `json:"average"`
	Count     int64           `json:"count"`
	UpdatedAt int64           `json:"updated_at"` // Unix ms
}

// StatusView is the body of the status endpoint
type StatusView struct {
	Success         bool            `json:"success"`
	EnabledFeatures map[string]bool `json:"enabled_features"`
	IsUpdating      bool            `json:"is_updating"`
	TotalUpdates    uint64          `json:"total_updates"`
	LastUpdated     int64           `json:"last_updated"` // Unix ms, 0 before the first cycle
	LastDurationMS  int64           `json:"last_duration_ms"`
	Listings        int             `json:"listings"`
}

// Options configures the AuctionService
type Options struct {
	APIKey       string
	AdminAPIKey  string // Defaults to APIKey
	Features     domain.FeatureSet
	DefaultLimit int
}

// AuctionService is the read surface over the committed index. Every method
// authorizes the key and checks the endpoint's feature flag first.
type AuctionService struct {
	state   *index.Committed
	history *history.Aggregator
	engine  *query.Engine
	status  StatusSource
	opts    Options
}

// NewAuctionService creates the service
func NewAuctionService(state *index.Committed, hist *history.Aggregator, eng *query.Engine, status StatusSource, opts Options) *AuctionService {
	if opts.AdminAPIKey == "" {
		opts.AdminAPIKey = opts.APIKey
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 1
	}
	return &AuctionService{
		state:   state,
		history: hist,
		engine:  eng,
		status:  status,
		opts:    opts,
	}
}

// Authorize maps a caller key to its access level
func (s *AuctionService) Authorize(key string) domain.AccessLevel {
	switch {
	case key == "":
		return domain.AccessNone
	case equalKeys(key, s.opts.AdminAPIKey):
		return domain.AccessElevated
	case equalKeys(key, s.opts.APIKey):
		return domain.AccessStandard
	}
	return domain.AccessNone
}

func equalKeys(a, b string) bool {
	return b != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Require checks the key and that one of the features is enabled
func (s *AuctionService) Require(key string, features ...domain.Feature) (domain.AccessLevel, error) {
	enabled := false
	for _, f := range features {
		if s.opts.Features.Enabled(f) {
			enabled = true
			break
		}
	}
	if !enabled {
		return domain.AccessNone, domain.ErrFeatureDisabled
	}
	access := s.Authorize(key)
	if access == domain.AccessNone {
		return access, &domain.AuthError{Reason: "missing or invalid key"}
	}
	return access, nil
}

// Query evaluates a filter built from request parameters
func (s *AuctionService) Query(ctx context.Context, key string, params url.Values) ([]query.Match, error) {
	access, err := s.Require(key, domain.FeatureQuery)
	if err != nil {
		return nil, err
	}
	f, err := query.Parse(params, s.opts.DefaultLimit)
	if err != nil {
		return nil, err
	}
	return s.engine.Execute(ctx, f, access)
}

// QueryItems returns the distinct catalog item ids in the committed snapshot
func (s *AuctionService) QueryItems(key string) ([]string, error) {
	if _, err := s.Require(key, domain.FeatureQuery); err != nil {
		return nil, err
	}
	return s.state.Load().ItemIDs, nil
}

// Pets returns the price records of a comma separated descriptor list.
// Unknown descriptors are omitted.
func (s *AuctionService) Pets(key, descriptors string) ([]PetPrice, error) {
	if _, err := s.Require(key, domain.FeaturePets); err != nil {
		return nil, err
	}
	if strings.TrimSpace(descriptors) == "" {
		return nil, &domain.ValidationError{Param: "query", Reason: "at least one descriptor is required"}
	}

	out := []PetPrice{}
	for _, raw := range strings.Split(descriptors, ",") {
		d, err := domain.ParseCollectibleDescriptor(raw)
		if err != nil {
			return nil, &domain.ValidationError{Param: "query", Reason: err.Error()}
		}
		c, ok := s.history.Collectible(d.String())
		if !ok {
			continue
		}
		out = append(out, PetPrice{
			Name:      c.Descriptor,
			Last:      c.Last,
			Average:   c.Average(),
			Count:     c.Count,
			UpdatedAt: c.UpdatedAt.UnixMilli(),
		})
	}
	return out, nil
}

// LowestBin returns the lowest fixed price per catalog item
func (s *AuctionService) LowestBin(key string) (map[string]int64, error) {
	if _, err := s.Require(key, domain.FeatureLowestBin); err != nil {
		return nil, err
	}
	return s.state.Load().Lowest, nil
}

// UnderBin returns the undercut events of the committed cycle
func (s *AuctionService) UnderBin(key string) ([]domain.UndercutEvent, error) {
	if _, err := s.Require(key, domain.FeatureUnderBin); err != nil {
		return nil, err
	}
	return s.state.Load().Undercuts, nil
}

// Average merges price buckets into step-minute windows starting at or after
// timeMS (epoch ms). The lower bound is clamped to the retention horizon.
func (s *AuctionService) Average(key string, kind AverageKind, timeMS, stepMin string) (map[string][]history.Point, error) {
	var kinds []domain.SaleKind
	switch kind {
	case AverageAuction:
		if _, err := s.Require(key, domain.FeatureAverageAuction); err != nil {
			return nil, err
		}
		kinds = []domain.SaleKind{domain.SaleAuction}
	case AverageBin:
		if _, err := s.Require(key, domain.FeatureAverageBin); err != nil {
			return nil, err
		}
		kinds = []domain.SaleKind{domain.SaleBin}
	default:
		if _, err := s.Require(key, domain.FeatureAverageAuction, domain.FeatureAverageBin); err != nil {
			return nil, err
		}
		if s.opts.Features.Enabled(domain.FeatureAverageAuction) {
			kinds = append(kinds, domain.SaleAuction)
		}
		if s.opts.Features.Enabled(domain.FeatureAverageBin) {
			kinds = append(kinds, domain.SaleBin)
		}
	}

	from, err := strconv.ParseInt(timeMS, 10, 64)
	if err != nil || from <= 0 {
		return nil, &domain.ValidationError{Param: "time", Reason: "must be a positive epoch millisecond timestamp"}
	}

	step := time.Minute
	if stepMin != "" {
		n, err := strconv.Atoi(stepMin)
		if err != nil || n <= 0 {
			return nil, &domain.ValidationError{Param: "step", Reason: "must be a positive number of minutes"}
		}
		step = time.Duration(n) * time.Minute
	}
	if step > s.history.Retention() {
		return nil, &domain.ValidationError{Param: "step", Reason: "exceeds the retention window"}
	}

	return s.history.Series(kinds, time.UnixMilli(from), step, time.Now()), nil
}

// Status reports the enabled features and the update loop state. No key required.
func (s *AuctionService) Status() StatusView {
	view := StatusView{
		Success:         true,
		EnabledFeatures: make(map[string]bool, len(domain.AllFeatures)),
		Listings:        s.state.Load().Snapshot.Len(),
	}
	for _, f := range domain.AllFeatures {
		view.EnabledFeatures[string(f)] = s.opts.Features.Enabled(f)
	}
	if s.status != nil {
		st := s.status.Status()
		view.IsUpdating = st.IsUpdating
		view.TotalUpdates = st.TotalUpdates
		view.LastDurationMS = st.LastDuration.Milliseconds()
		if !st.LastUpdated.IsZero() {
			view.LastUpdated = st.LastUpdated.UnixMilli()
		}
	}
	return view
}

// Features returns the enabled feature names, sorted
func (s *AuctionService) Features() []string {
	return s.opts.Features.List()
}
