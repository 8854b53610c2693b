package storage

import (
	"encoding/json"
	"strings"
	"time"

	"skyquery/internal/domain"

	"gorm.io/datatypes"
)

// listingRow is the persisted form of a committed ListingRecord
type listingRow struct {
	ID          string         `gorm:"primaryKey;size:64"`
	ItemID      string         `gorm:"index;size:128"`
	ItemName    string         `gorm:"size:256"`
	Tier        string         `gorm:"index;size:32"`
	Bin         bool           `gorm:"index"`
	StartingBid int64          `gorm:"index"`
	HighestBid  int64          `gorm:"index"`
	EndT        int64          `gorm:"column:end_t;index"` // Unix ms
	Auctioneer  string         `gorm:"size:64"`
	Enchants    string         // Comma separated NAME;LEVEL, for raw LIKE queries
	Bids        datatypes.JSON // []domain.Bid
	Attributes  datatypes.JSON // domain.AttributeSet
	UpdatedAt   time.Time
}

func (listingRow) TableName() string { return "listings" }

// bucketRow holds one finest-granularity price bucket
type bucketRow struct {
	ItemID string `gorm:"primaryKey;size:128"`
	Start  int64  `gorm:"column:bucket_start;primaryKey;autoIncrement:false;index"` // Unix seconds
	Kind   string `gorm:"primaryKey;size:16"`
	Sum    int64
	Count  int64
}

func (bucketRow) TableName() string { return "price_buckets" }

// collectibleRow holds the price record of one collectible descriptor
type collectibleRow struct {
	Descriptor string `gorm:"primaryKey;size:128"`
	Last       int64
	Sum        int64
	Count      int64
	UpdatedAt  time.Time
}

func (collectibleRow) TableName() string { return "collectible_prices" }

func toListingRow(l *domain.ListingRecord, now time.Time) (listingRow, error) {
	bids, err := json.Marshal(l.Bids)
	if err != nil {
		return listingRow{}, err
	}
	attrs, err := json.Marshal(l.Attributes)
	if err != nil {
		return listingRow{}, err
	}
	return listingRow{
		ID:          l.ID,
		ItemID:      l.ItemID,
		ItemName:    l.Name,
		Tier:        l.Tier,
		Bin:         l.Bin,
		StartingBid: l.Price,
		HighestBid:  l.HighestBid(),
		EndT:        l.End,
		Auctioneer:  l.Seller,
		Enchants:    strings.Join(l.Attributes.EnchantKeys(), ","),
		Bids:        datatypes.JSON(bids),
		Attributes:  datatypes.JSON(attrs),
		UpdatedAt:   now,
	}, nil
}

func (r listingRow) toRecord() (*domain.ListingRecord, error) {
	rec := &domain.ListingRecord{
		ID:     r.ID,
		ItemID: r.ItemID,
		Name:   r.ItemName,
		Tier:   r.Tier,
		Bin:    r.Bin,
		Price:  r.StartingBid,
		End:    r.EndT,
		Seller: r.Auctioneer,
	}
	if len(r.Bids) > 0 {
		if err := json.Unmarshal(r.Bids, &rec.Bids); err != nil {
			return nil, err
		}
	}
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &rec.Attributes); err != nil {
			return nil, err
		}
	}
	return rec, nil
}
