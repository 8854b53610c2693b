package domain

import (
	"context"
	"time"
)

// PageSource retrieves the complete current remote listing
type PageSource interface {
	FetchAll(ctx context.Context) (*FetchResult, error)
}

// CommitBatch is everything one cycle writes, applied as a single transaction
type CommitBatch struct {
	Upserts      []*ListingRecord
	Deletes      []string
	Buckets      []PriceBucket // Post-cycle values of touched buckets
	PruneBefore  int64         // Buckets starting before this (Unix seconds) are deleted
	Collectibles []CollectiblePrice
}

// RawQuery is an elevated passthrough condition over the persisted listing table
type RawQuery struct {
	Where   string
	OrderBy string // Column name
	Desc    bool
	Limit   int // 0 = unbounded
}

// ListingStore is the durable transactional store behind the committed snapshot
type ListingStore interface {
	Commit(ctx context.Context, batch *CommitBatch) error
	LoadListings(ctx context.Context) ([]*ListingRecord, error)
	LoadBuckets(ctx context.Context) ([]PriceBucket, error)
	LoadCollectibles(ctx context.Context) ([]CollectiblePrice, error)
	RawQuery(ctx context.Context, q RawQuery) ([]*ListingRecord, error)
}

// NotifyLevel is the severity of an operational notification
type NotifyLevel string

const (
	NotifyInfo  NotifyLevel = "info"
	NotifyError NotifyLevel = "error"
)

// Notification is an operational message about a fetch cycle
type Notification struct {
	Level   NotifyLevel
	Title   string
	Message string
	Fields  map[string]string
	At      time.Time
}

// Notifier delivers operational notifications to an external sink
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// AccessLevel is the privilege of a caller's key
type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessStandard
	AccessElevated
)
