package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm/clause"

	"p2pescrow/native/escrow"
)

// Claim attributes txid to escrowID. The first claim of a (coin, txid) pair
// wins; repeating it for the same escrow is reported as success so a funding
// check interrupted after its claim can complete on the next cycle.
func (s *Store) Claim(ctx context.Context, coin escrow.Coin, txid, escrowID string) (bool, error) {
	txid = strings.TrimSpace(txid)
	if txid == "" {
		return false, fmt.Errorf("storage: claim requires a txid")
	}
	row := claimedTx{
		Coin:      coin.String(),
		TxID:      txid,
		EscrowID:  escrowID,
		ClaimedAt: time.Now().Unix(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("storage: claim %s/%s: %w", coin, txid, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	var existing claimedTx
	err := s.db.WithContext(ctx).First(&existing, "coin = ? AND txid = ?", coin.String(), txid).Error
	if err != nil {
		return false, fmt.Errorf("storage: claim lookup %s/%s: %w", coin, txid, err)
	}
	return existing.EscrowID == escrowID, nil
}

// IsClaimed reports whether txid has been attributed to any escrow.
func (s *Store) IsClaimed(ctx context.Context, coin escrow.Coin, txid string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&claimedTx{}).
		Where("coin = ? AND txid = ?", coin.String(), strings.TrimSpace(txid)).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("storage: claim lookup: %w", err)
	}
	return n > 0, nil
}
