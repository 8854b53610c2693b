package index

import (
	"sort"
	"sync/atomic"
	"time"

	"skyquery/internal/domain"
)

// Snapshot is the full listing set of one fetch cycle, keyed by listing id
type Snapshot struct {
	TakenAt  time.Time
	Listings []*domain.ListingRecord // Sorted by ID

	byID map[string]*domain.ListingRecord
}

// NewSnapshot indexes records by id. When an id repeats, the first occurrence wins
// and the duplicate ids are returned.
func NewSnapshot(takenAt time.Time, records []*domain.ListingRecord) (*Snapshot, []string) {
	s := &Snapshot{
		TakenAt:  takenAt,
		Listings: make([]*domain.ListingRecord, 0, len(records)),
		byID:     make(map[string]*domain.ListingRecord, len(records)),
	}

	var dups []string
	for _, r := range records {
		if _, ok := s.byID[r.ID]; ok {
			dups = append(dups, r.ID)
			continue
		}
		s.byID[r.ID] = r
		s.Listings = append(s.Listings, r)
	}

	sort.Slice(s.Listings, func(i, j int) bool { return s.Listings[i].ID < s.Listings[j].ID })
	return s, dups
}

// Get returns the listing with id
func (s *Snapshot) Get(id string) (*domain.ListingRecord, bool) {
	if s == nil {
		return nil, false
	}
	r, ok := s.byID[id]
	return r, ok
}

// Len returns the number of listings
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Listings)
}

// State is everything the read path serves from one committed cycle
type State struct {
	Cycle     string
	Snapshot  *Snapshot
	Lowest    map[string]int64 // Catalog item id -> lowest fixed price
	Undercuts []domain.UndercutEvent
	ItemIDs   []string // Sorted distinct catalog item ids
}

// NewState derives the lowest-price table and the item id set from snap
func NewState(cycle string, snap *Snapshot, undercuts []domain.UndercutEvent) *State {
	if undercuts == nil {
		undercuts = []domain.UndercutEvent{}
	}
	return &State{
		Cycle:     cycle,
		Snapshot:  snap,
		Lowest:    BuildLowest(snap),
		Undercuts: undercuts,
		ItemIDs:   itemIDs(snap),
	}
}

// EmptyState is the state before the first commit or restore
func EmptyState() *State {
	return NewState("", &Snapshot{byID: map[string]*domain.ListingRecord{}}, nil)
}

func itemIDs(snap *Snapshot) []string {
	seen := make(map[string]bool)
	ids := []string{}
	if snap == nil {
		return ids
	}
	for _, l := range snap.Listings {
		if !seen[l.ItemID] {
			seen[l.ItemID] = true
			ids = append(ids, l.ItemID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Committed holds the single committed State. Readers call Load and keep using
// the returned pointer; the cycle driver publishes a new State with Swap.
type Committed struct {
	p atomic.Pointer[State]
}

// NewCommitted starts with an empty state
func NewCommitted() *Committed {
	c := &Committed{}
	c.p.Store(EmptyState())
	return c
}

// Load returns the committed state. Never nil.
func (c *Committed) Load() *State {
	return c.p.Load()
}

// Swap publishes next and returns the previous state
func (c *Committed) Swap(next *State) *State {
	return c.p.Swap(next)
}
