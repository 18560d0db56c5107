package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"p2pescrow/native/escrow"
)

// Store persists escrows and the consumed-transaction ledger through GORM.
type Store struct {
	db *gorm.DB
}

var (
	_ escrow.Store       = (*Store)(nil)
	_ escrow.ClaimLedger = (*Store)(nil)
)

// Open connects to the configured database and migrates the schema. driver is
// "sqlite" (the default) or "postgres".
func Open(driver, dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	var dialector gorm.Dialector
	sqliteBacked := false
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		if dsn == "" {
			return nil, ErrPathRequired
		}
		dialector = sqlite.Open(dsn)
		sqliteBacked = true
	case "postgres", "postgresql":
		if dsn == "" {
			return nil, fmt.Errorf("storage: postgres dsn required")
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	if sqliteBacked {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("storage: sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing GORM handle and ensures the schema exists.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: database handle required")
	}
	if err := db.AutoMigrate(&escrowRecord{}, &claimedTx{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Lookup returns the stored escrow or escrow.ErrNotFound.
func (s *Store) Lookup(ctx context.Context, id string) (*escrow.Escrow, error) {
	rec, err := loadRecord(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	return rec.toEscrow()
}

// Upsert inserts esc or overwrites every column of the existing row.
func (s *Store) Upsert(ctx context.Context, esc *escrow.Escrow) error {
	if esc == nil || strings.TrimSpace(esc.ID) == "" {
		return fmt.Errorf("storage: escrow id required")
	}
	if !esc.Coin.Valid() {
		return fmt.Errorf("%w: %s", escrow.ErrUnsupportedCoin, esc.Coin)
	}
	rec := newRecord(esc)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("storage: upsert %s: %w", esc.ID, err)
	}
	return nil
}

// Bump advances the escrow by one state code when it currently sits in from.
func (s *Store) Bump(ctx context.Context, id string, from escrow.State, at time.Time) (*escrow.Escrow, error) {
	var out *escrow.Escrow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&escrowRecord{}).
			Where("id = ? AND state = ?", id, int(from)).
			Updates(map[string]any{
				"state":         gorm.Expr("state + 1"),
				"last_activity": at.Unix(),
			})
		if res.Error != nil {
			return fmt.Errorf("storage: bump %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return conflict(tx, id, from)
		}
		rec, err := loadRecord(tx, id)
		if err != nil {
			return err
		}
		out, err = rec.toEscrow()
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Transition reads the escrow under a row lock, applies mutate and writes the
// result back only while the state is still the one that was read.
func (s *Store) Transition(ctx context.Context, id string, mutate func(*escrow.Escrow) error) (*escrow.Escrow, error) {
	var out *escrow.Escrow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec escrowRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return escrow.ErrNotFound
			}
			return fmt.Errorf("storage: load %s: %w", id, err)
		}
		esc, err := rec.toEscrow()
		if err != nil {
			return err
		}
		prev := esc.State
		if err := mutate(esc); err != nil {
			return err
		}
		next := newRecord(esc)
		res := tx.Model(&escrowRecord{}).
			Where("id = ? AND state = ?", rec.ID, int(prev)).
			Updates(next.columns())
		if res.Error != nil {
			return fmt.Errorf("storage: update %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return conflict(tx, id, prev)
		}
		// Identity columns are never rewritten.
		esc.ID, esc.Coin, esc.CreatedAt = rec.ID, escrow.Coin(rec.Coin), time.Unix(rec.CreatedAt, 0).UTC()
		esc.Value = escrow.Quantize(esc.Value, esc.Coin)
		esc.RequestedValue = escrow.Quantize(esc.RequestedValue, esc.Coin)
		esc.LastActivity = time.Unix(next.LastActivity, 0).UTC()
		out = esc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListAwaitingDeposit returns every escrow whose deposit is still outstanding,
// oldest activity first.
func (s *Store) ListAwaitingDeposit(ctx context.Context) ([]*escrow.Escrow, error) {
	var recs []escrowRecord
	err := s.db.WithContext(ctx).
		Where("state = ?", int(escrow.StateAwaitingDeposit)).
		Order("last_activity asc").Order("id asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list awaiting deposit: %w", err)
	}
	return toEscrows(recs)
}

// ListRecent returns escrows whose last activity is at or after since, newest
// first.
func (s *Store) ListRecent(ctx context.Context, since time.Time) ([]*escrow.Escrow, error) {
	var recs []escrowRecord
	err := s.db.WithContext(ctx).
		Where("last_activity >= ?", since.Unix()).
		Order("last_activity desc").Order("id asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list recent: %w", err)
	}
	return toEscrows(recs)
}

// HasOpenDuplicate reports whether another escrow of coin awaits a deposit of
// exactly value.
func (s *Store) HasOpenDuplicate(ctx context.Context, value decimal.Decimal, coin escrow.Coin, excludeID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&escrowRecord{}).
		Where("state = ? AND coin = ? AND value = ? AND id <> ?",
			int(escrow.StateAwaitingDeposit), coin.String(), escrow.FormatValue(value, coin), excludeID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("storage: duplicate check: %w", err)
	}
	return n > 0, nil
}

// CountByState tallies stored escrows per state code.
func (s *Store) CountByState(ctx context.Context) (map[escrow.State]int64, error) {
	var rows []struct {
		State int
		Total int64
	}
	err := s.db.WithContext(ctx).Model(&escrowRecord{}).
		Select("state, count(*) as total").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("storage: count by state: %w", err)
	}
	out := make(map[escrow.State]int64, len(rows))
	for _, row := range rows {
		out[escrow.State(row.State)] = row.Total
	}
	return out, nil
}

func loadRecord(db *gorm.DB, id string) (escrowRecord, error) {
	var rec escrowRecord
	if err := db.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return escrowRecord{}, escrow.ErrNotFound
		}
		return escrowRecord{}, fmt.Errorf("storage: load %s: %w", id, err)
	}
	return rec, nil
}

func conflict(tx *gorm.DB, id string, expected escrow.State) error {
	rec, err := loadRecord(tx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: escrow %s is %s, expected %s",
		escrow.ErrInvalidState, id, escrow.State(rec.State), expected)
}

func toEscrows(recs []escrowRecord) ([]*escrow.Escrow, error) {
	out := make([]*escrow.Escrow, 0, len(recs))
	for _, rec := range recs {
		esc, err := rec.toEscrow()
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	return out, nil
}
