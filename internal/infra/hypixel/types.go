package hypixel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"skyquery/internal/domain"
)

// auctionsPage represents one page of the /skyblock/auctions response
type auctionsPage struct {
	Success       bool      `json:"success"`
	Cause         string    `json:"cause"`
	Page          int       `json:"page"`
	TotalPages    int       `json:"totalPages"`
	TotalAuctions int       `json:"totalAuctions"`
	LastUpdated   int64     `json:"lastUpdated"`
	Auctions      []auction `json:"auctions"`
}

type auction struct {
	UUID        string    `json:"uuid"`
	Auctioneer  string    `json:"auctioneer"`
	Start       int64     `json:"start"`
	End         int64     `json:"end"`
	ItemName    string    `json:"item_name"`
	ItemLore    string    `json:"item_lore"`
	Tier        string    `json:"tier"`
	StartingBid float64   `json:"starting_bid"`
	Bin         bool      `json:"bin"`
	Claimed     bool      `json:"claimed"`
	Bids        []bid     `json:"bids"`
	ItemBytes   itemBytes `json:"item_bytes"`
}

type bid struct {
	Bidder    string  `json:"bidder"`
	Amount    float64 `json:"amount"`
	Timestamp int64   `json:"timestamp"`
}

// itemBytes accepts both the current string form and the legacy {"type":0,"data":"..."} object
type itemBytes string

func (b *itemBytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = itemBytes(s)
		return nil
	}
	var legacy struct {
		Type int    `json:"type"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("item_bytes: %w", err)
	}
	*b = itemBytes(legacy.Data)
	return nil
}

// coins rounds a JSON number to whole coins; the remote occasionally sends fractions
func coins(v float64) int64 {
	return int64(math.Round(v))
}

func (a auction) toRaw() domain.RawListing {
	bids := make([]domain.Bid, 0, len(a.Bids))
	for _, b := range a.Bids {
		bids = append(bids, domain.Bid{
			Bidder:    b.Bidder,
			Amount:    coins(b.Amount),
			Timestamp: b.Timestamp,
		})
	}
	return domain.RawListing{
		ID:        a.UUID,
		Seller:    a.Auctioneer,
		ItemName:  a.ItemName,
		Lore:      a.ItemLore,
		Tier:      a.Tier,
		Bin:       a.Bin,
		Price:     coins(a.StartingBid),
		End:       a.End,
		Bids:      bids,
		ItemBytes: string(a.ItemBytes),
	}
}

// Options configures the page fetcher
type Options struct {
	BaseURL     string
	PageTimeout time.Duration
	MaxRetries  int           // Retries after the first attempt
	RetryDelay  time.Duration // Base backoff, doubled per retry
	Workers     int           // Concurrent page fetches
	UserAgent   string
}
