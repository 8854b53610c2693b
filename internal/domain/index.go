package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Rarities in ascending order. The index is used in pet catalog ids (GOLDEN_DRAGON;4).
var Rarities = []string{"COMMON", "UNCOMMON", "RARE", "EPIC", "LEGENDARY", "MYTHIC"}

// RarityIndex returns the position of rarity in Rarities, or -1
func RarityIndex(rarity string) int {
	rarity = strings.ToUpper(rarity)
	for i, r := range Rarities {
		if r == rarity {
			return i
		}
	}
	return -1
}

// SaleKind distinguishes fixed-price sales from bid-based auction sales
type SaleKind string

const (
	SaleBin     SaleKind = "bin"
	SaleAuction SaleKind = "auction"
)

// Sale is a completed listing forwarded to the price history
type Sale struct {
	ListingID   string
	ItemID      string
	Kind        SaleKind
	Price       int64
	At          time.Time
	Collectible string // Collectible descriptor, empty for non-collectibles
}

// BucketKey identifies one finest-granularity price bucket
type BucketKey struct {
	ItemID string
	Start  int64 // Unix seconds, aligned to the bucket width
	Kind   SaleKind
}

// PriceBucket accumulates sale prices for one (item, minute, kind)
type PriceBucket struct {
	ItemID string   `json:"item_id"`
	Start  int64    `json:"start"`
	Kind   SaleKind `json:"kind"`
	Sum    int64    `json:"sum"`
	Count  int64    `json:"count"`
}

// Key returns the bucket's identity
func (b PriceBucket) Key() BucketKey {
	return BucketKey{ItemID: b.ItemID, Start: b.Start, Kind: b.Kind}
}

// AlignBucket floors t to the start of its bucket of the given width
func AlignBucket(t time.Time, width time.Duration) int64 {
	w := int64(width / time.Second)
	if w <= 0 {
		w = 1
	}
	sec := t.Unix()
	start := sec - sec%w
	if sec < 0 && sec%w != 0 {
		start -= w
	}
	return start
}

// UndercutEvent is a new fixed-price listing priced at least the margin below
// the previous cycle's lowest price for its catalog item
type UndercutEvent struct {
	ListingID      string `json:"uuid"`
	ItemID         string `json:"item_id"`
	Name           string `json:"item_name"`
	Seller         string `json:"auctioneer"`
	Price          int64  `json:"starting_bid"`
	PreviousLowest int64  `json:"past_bin_price"`
	Delta          int64  `json:"profit"`
	End            int64  `json:"end"`
}

// IsUndercut reports whether price undercuts previousLowest by at least margin
func IsUndercut(price, previousLowest, margin int64) bool {
	return price <= previousLowest-margin
}

// CollectibleDescriptor identifies a fungible class of pets
type CollectibleDescriptor struct {
	Level     int
	Name      string // Uppercase, words joined by "_"
	Rarity    string
	TierBoost bool
}

var (
	descriptorRegex = regexp.MustCompile(`^\[LVL_(\d+)\]_([A-Z0-9_]+?)_(COMMON|UNCOMMON|RARE|EPIC|LEGENDARY|MYTHIC)(_TB)?$`)
	petNameRegex    = regexp.MustCompile(`^\[Lvl (\d+)\] (.+)$`)
	nonWordRegex    = regexp.MustCompile(`[^A-Za-z0-9 ]+`)
)

// tierBoostItems are held items that raise a pet's rarity
var tierBoostItems = map[string]bool{
	"PET_ITEM_TIER_BOOST":   true,
	"PET_ITEM_VAMPIRE_FANG": true,
	"PET_ITEM_TOY_JERRY":    true,
}

// String formats the descriptor as [LVL_n]_NAME_RARITY with an optional _TB suffix
func (d CollectibleDescriptor) String() string {
	s := fmt.Sprintf("[LVL_%d]_%s_%s", d.Level, d.Name, d.Rarity)
	if d.TierBoost {
		s += "_TB"
	}
	return s
}

// ParseCollectibleDescriptor parses the [LVL_n]_NAME_RARITY[_TB] form, case-insensitively
func ParseCollectibleDescriptor(s string) (CollectibleDescriptor, error) {
	m := descriptorRegex.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil {
		return CollectibleDescriptor{}, fmt.Errorf("malformed collectible descriptor %q", s)
	}
	level, err := strconv.Atoi(m[1])
	if err != nil {
		return CollectibleDescriptor{}, fmt.Errorf("malformed level in %q: %w", s, err)
	}
	return CollectibleDescriptor{
		Level:     level,
		Name:      m[2],
		Rarity:    m[3],
		TierBoost: m[4] != "",
	}, nil
}

// CollectibleFor derives the descriptor of a pet listing. ok is false for non-pets
// or names without a level bracket.
func CollectibleFor(l *ListingRecord) (CollectibleDescriptor, bool) {
	if l.Attributes.Pet == nil {
		return CollectibleDescriptor{}, false
	}
	m := petNameRegex.FindStringSubmatch(strings.TrimSpace(l.Name))
	if m == nil {
		return CollectibleDescriptor{}, false
	}
	level, err := strconv.Atoi(m[1])
	if err != nil {
		return CollectibleDescriptor{}, false
	}
	name := strings.Join(strings.Fields(nonWordRegex.ReplaceAllString(m[2], "")), "_")
	if name == "" {
		return CollectibleDescriptor{}, false
	}

	rarity := strings.ToUpper(l.Attributes.Pet.Tier)
	if rarity == "" {
		rarity = strings.ToUpper(l.Tier)
	}
	if RarityIndex(rarity) < 0 {
		return CollectibleDescriptor{}, false
	}

	return CollectibleDescriptor{
		Level:     level,
		Name:      strings.ToUpper(name),
		Rarity:    rarity,
		TierBoost: tierBoostItems[l.Attributes.Pet.HeldItem],
	}, true
}

// CollectiblePrice is the price record of one collectible descriptor.
// Last is overwritten on each sale; Sum/Count give the all-time running mean.
type CollectiblePrice struct {
	Descriptor string    `json:"name"`
	Last       int64     `json:"last"`
	Sum        int64     `json:"-"`
	Count      int64     `json:"count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Average returns the running mean of all observed sales
func (c CollectiblePrice) Average() decimal.Decimal {
	if c.Count == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(c.Sum).Div(decimal.NewFromInt(c.Count))
}

// Observe records a sale at price
func (c *CollectiblePrice) Observe(price int64, at time.Time) {
	c.Last = price
	c.Sum += price
	c.Count++
	c.UpdatedAt = at
}
