package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"skyquery/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	insertBatchSize = 200
	deleteChunkSize = 500
)

// rawQueryColumns are the columns a raw query may be ordered by
var rawQueryColumns = map[string]bool{
	"starting_bid": true,
	"highest_bid":  true,
	"end_t":        true,
}

// errReadOnly forces the raw query transaction to roll back
var errReadOnly = errors.New("read-only transaction")

// Storage persists the committed snapshot and the price history
type Storage struct {
	db *gorm.DB
}

// NewStorage opens the store for driver ("sqlite" or "mysql") and migrates the schema.
// An empty sqlite dsn resolves to a file under the user config directory.
func NewStorage(driver, dsn string) (*Storage, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		if dsn == "" {
			dbPath, err := getDBPath()
			if err != nil {
				return nil, fmt.Errorf("failed to resolve DB path: %w", err)
			}
			dsn = dbPath
		}
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return newStorage(db)
}

func newStorage(db *gorm.DB) (*Storage, error) {
	if err := db.AutoMigrate(&listingRow{}, &bucketRow{}, &collectibleRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Storage{db: db}, nil
}

func ensureDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create DB directory: %w", err)
	}
	return nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "SkyQuery", "data", "skyquery.db"), nil
}

// Close releases the underlying connection pool
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Cycle Commit
// ======================================================================================

// Commit writes one cycle in a single transaction: upsert every current listing,
// delete removed ones, upsert touched buckets, prune expired buckets and upsert
// collectible prices. Any failure rolls the whole batch back.
func (s *Storage) Commit(ctx context.Context, batch *domain.CommitBatch) error {
	now := time.Now()
	rows := make([]listingRow, 0, len(batch.Upserts))
	for _, l := range batch.Upserts {
		row, err := toListingRow(l, now)
		if err != nil {
			return &domain.PersistenceError{Op: "encode listing " + l.ID, Err: err}
		}
		rows = append(rows, row)
	}

	buckets := make([]bucketRow, 0, len(batch.Buckets))
	for _, b := range batch.Buckets {
		buckets = append(buckets, bucketRow{ItemID: b.ItemID, Start: b.Start, Kind: string(b.Kind), Sum: b.Sum, Count: b.Count})
	}

	collectibles := make([]collectibleRow, 0, len(batch.Collectibles))
	for _, c := range batch.Collectibles {
		collectibles = append(collectibles, collectibleRow{Descriptor: c.Descriptor, Last: c.Last, Sum: c.Sum, Count: c.Count, UpdatedAt: c.UpdatedAt})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			if err := upsert(tx).CreateInBatches(&rows, insertBatchSize).Error; err != nil {
				return fmt.Errorf("upsert listings: %w", err)
			}
		}

		for start := 0; start < len(batch.Deletes); start += deleteChunkSize {
			end := min(start+deleteChunkSize, len(batch.Deletes))
			if err := tx.Where("id IN ?", batch.Deletes[start:end]).Delete(&listingRow{}).Error; err != nil {
				return fmt.Errorf("delete listings: %w", err)
			}
		}

		if len(buckets) > 0 {
			if err := upsert(tx).CreateInBatches(&buckets, insertBatchSize).Error; err != nil {
				return fmt.Errorf("upsert buckets: %w", err)
			}
		}

		if batch.PruneBefore > 0 {
			if err := tx.Where("bucket_start < ?", batch.PruneBefore).Delete(&bucketRow{}).Error; err != nil {
				return fmt.Errorf("prune buckets: %w", err)
			}
		}

		if len(collectibles) > 0 {
			if err := upsert(tx).CreateInBatches(&collectibles, insertBatchSize).Error; err != nil {
				return fmt.Errorf("upsert collectibles: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return &domain.PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

// upsert returns a fresh statement that overwrites rows on primary key conflict
func upsert(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.OnConflict{UpdateAll: true})
}

// ======================================================================================
// Restore Operations
// ======================================================================================

// LoadListings returns every persisted listing
func (s *Storage) LoadListings(ctx context.Context) ([]*domain.ListingRecord, error) {
	var rows []listingRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, &domain.PersistenceError{Op: "load listings", Err: err}
	}
	return toRecords(rows)
}

// LoadBuckets returns every persisted price bucket
func (s *Storage) LoadBuckets(ctx context.Context) ([]domain.PriceBucket, error) {
	var rows []bucketRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, &domain.PersistenceError{Op: "load buckets", Err: err}
	}
	out := make([]domain.PriceBucket, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.PriceBucket{ItemID: r.ItemID, Start: r.Start, Kind: domain.SaleKind(r.Kind), Sum: r.Sum, Count: r.Count})
	}
	return out, nil
}

// LoadCollectibles returns every persisted collectible price
func (s *Storage) LoadCollectibles(ctx context.Context) ([]domain.CollectiblePrice, error) {
	var rows []collectibleRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, &domain.PersistenceError{Op: "load collectibles", Err: err}
	}
	out := make([]domain.CollectiblePrice, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.CollectiblePrice{Descriptor: r.Descriptor, Last: r.Last, Sum: r.Sum, Count: r.Count, UpdatedAt: r.UpdatedAt})
	}
	return out, nil
}

// ======================================================================================
// Raw Query
// ======================================================================================

// RawQuery runs an elevated passthrough condition against the listing table inside
// a transaction that is always rolled back. A condition the database rejects is a
// validation error.
func (s *Storage) RawQuery(ctx context.Context, q domain.RawQuery) ([]*domain.ListingRecord, error) {
	if strings.TrimSpace(q.Where) == "" {
		return nil, &domain.ValidationError{Param: "query", Reason: "empty condition"}
	}
	if q.OrderBy != "" && !rawQueryColumns[q.OrderBy] {
		return nil, &domain.ValidationError{Param: "sort_by", Reason: "unsupported column " + q.OrderBy}
	}

	var rows []listingRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&listingRow{}).Where(q.Where)
		if q.OrderBy != "" {
			query = query.Order(clause.OrderByColumn{Column: clause.Column{Name: q.OrderBy}, Desc: q.Desc})
		}
		if q.Limit > 0 {
			query = query.Limit(q.Limit)
		}
		if err := query.Find(&rows).Error; err != nil {
			return err
		}
		return errReadOnly
	})
	if err != nil && !errors.Is(err, errReadOnly) {
		if ctx.Err() != nil {
			return nil, &domain.PersistenceError{Op: "raw query", Err: err}
		}
		return nil, &domain.ValidationError{Param: "query", Reason: err.Error()}
	}
	return toRecords(rows)
}

func toRecords(rows []listingRow) ([]*domain.ListingRecord, error) {
	out := make([]*domain.ListingRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, &domain.PersistenceError{Op: "decode listing " + r.ID, Err: err}
		}
		out = append(out, rec)
	}
	return out, nil
}
