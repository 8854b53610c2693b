package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Bid is a single bid placed on a listing
type Bid struct {
	Bidder    string `json:"bidder"`
	Amount    int64  `json:"amount"`
	Timestamp int64  `json:"timestamp,omitempty"` // Unix ms
}

// RawListing is one listing as delivered by the remote marketplace, before metadata decoding
type RawListing struct {
	ID        string
	Seller    string
	ItemName  string
	Lore      string // Newline separated, with color codes
	Tier      string
	Bin       bool
	Price     int64
	End       int64 // Unix ms
	Bids      []Bid
	ItemBytes string // base64(gzip(NBT))
}

// FetchResult is the complete ordered listing for one cycle
type FetchResult struct {
	Pages       int
	LastUpdated int64 // Unix ms, as reported by the remote
	Listings    []RawListing
}

// ListingRecord is one listing as of a fetch cycle. Readers never mutate it.
type ListingRecord struct {
	ID         string       `json:"uuid"`
	ItemID     string       `json:"item_id"`   // Catalog item id
	Name       string       `json:"item_name"` // Display name without color codes
	Tier       string       `json:"tier"`      // Rarity
	Bin        bool         `json:"bin"`       // Fixed-price listing
	Price      int64        `json:"starting_bid"`
	End        int64        `json:"end"` // Unix ms
	Seller     string       `json:"auctioneer"`
	Bids       []Bid        `json:"bids"`
	Attributes AttributeSet `json:"attributes"`
}

// HighestBid returns the largest bid amount, or 0 without bids
func (l *ListingRecord) HighestBid() int64 {
	var highest int64
	for _, b := range l.Bids {
		if b.Amount > highest {
			highest = b.Amount
		}
	}
	return highest
}

// HasBidder reports whether the bidder appears in the bid history
func (l *ListingRecord) HasBidder(bidder string) bool {
	for _, b := range l.Bids {
		if b.Bidder == bidder {
			return true
		}
	}
	return false
}

// EndTime returns End as a time.Time
func (l *ListingRecord) EndTime() time.Time {
	return time.UnixMilli(l.End)
}

// Modifier is a known per-item counter or flag. Boolean flags are stored as 0/1.
type Modifier string

const (
	ModHotPotato         Modifier = "hot_potato_count"
	ModRecombobulated    Modifier = "rarity_upgrades"
	ModAnvilUses         Modifier = "anvil_uses"
	ModArtOfWar          Modifier = "art_of_war_count"
	ModFarmingForDummies Modifier = "farming_for_dummies_count"
	ModEthermerge        Modifier = "ethermerge"
	ModEnhanced          Modifier = "enhanced"
	ModPotionLevel       Modifier = "potion_level"
)

// KnownModifiers lists every modifier the decoder extracts
var KnownModifiers = []Modifier{
	ModHotPotato,
	ModRecombobulated,
	ModAnvilUses,
	ModArtOfWar,
	ModFarmingForDummies,
	ModEthermerge,
	ModEnhanced,
	ModPotionLevel,
}

// PetInfo is the companion data carried by pet items
type PetInfo struct {
	Type     string `json:"type"`
	Tier     string `json:"tier"`
	HeldItem string `json:"held_item,omitempty"`
}

// AttributeSet is the decoded metadata of a listing's item
type AttributeSet struct {
	Count        int               `json:"count,omitempty"`
	Enchantments map[string]int    `json:"enchantments,omitempty"` // NAME -> level
	Reforge      string            `json:"reforge,omitempty"`
	Stars        int               `json:"stars,omitempty"`
	Gems         map[string]string `json:"gems,omitempty"` // slot -> QUALITY_TYPE, e.g. PERFECT_SAPPHIRE
	Skin         string            `json:"skin,omitempty"`
	Modifiers    map[Modifier]int  `json:"modifiers,omitempty"`
	Runes        map[string]int    `json:"runes,omitempty"`
	Potion       string            `json:"potion,omitempty"`
	Pet          *PetInfo          `json:"pet,omitempty"`
}

// HasEnchant reports whether the enchantment is present at exactly that level
func (a AttributeSet) HasEnchant(name string, level int) bool {
	got, ok := a.Enchantments[strings.ToUpper(name)]
	return ok && got == level
}

// EnchantKeys returns the enchantments as sorted NAME;LEVEL strings
func (a AttributeSet) EnchantKeys() []string {
	keys := make([]string, 0, len(a.Enchantments))
	for name, level := range a.Enchantments {
		keys = append(keys, EnchantKey(name, level))
	}
	sort.Strings(keys)
	return keys
}

// EnchantKey formats an enchantment as NAME;LEVEL
func EnchantKey(name string, level int) string {
	return fmt.Sprintf("%s;%d", strings.ToUpper(name), level)
}

var colorCodeRegex = regexp.MustCompile(`(?i)§[0-9A-FK-OR]`)

// StripColorCodes removes Minecraft formatting codes (§a, §l, ...) from s
func StripColorCodes(s string) string {
	return colorCodeRegex.ReplaceAllString(s, "")
}
