package storage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"p2pescrow/native/escrow"
)

type escrowRecord struct {
	ID             string `gorm:"primaryKey;size:32"`
	Sender         string `gorm:"size:64;not null;index"`
	Recipient      string `gorm:"size:64;not null;index"`
	State          int    `gorm:"not null;index:idx_escrows_open,priority:1"`
	Coin           string `gorm:"size:8;not null;index:idx_escrows_open,priority:2"`
	Value          string `gorm:"size:40;not null;index:idx_escrows_open,priority:3"`
	RequestedValue string `gorm:"size:40"`
	Contract       string `gorm:"type:text"`
	Credential     string `gorm:"type:text"`
	DepositAddress string `gorm:"size:128"`
	PreLockState   *int
	PayoutTx       string `gorm:"size:128"`
	CreatedAt      int64  `gorm:"autoCreateTime:false"`
	LastActivity   int64  `gorm:"not null;index"`
}

func (escrowRecord) TableName() string { return "escrows" }

type claimedTx struct {
	Coin      string `gorm:"primaryKey;size:8"`
	TxID      string `gorm:"primaryKey;column:txid;size:128"`
	EscrowID  string `gorm:"size:32;not null;index"`
	ClaimedAt int64  `gorm:"not null"`
}

func (claimedTx) TableName() string { return "claimed_txs" }

func newRecord(esc *escrow.Escrow) escrowRecord {
	rec := escrowRecord{
		ID:             esc.ID,
		Sender:         esc.Sender,
		Recipient:      esc.Recipient,
		State:          int(esc.State),
		Coin:           esc.Coin.String(),
		Value:          escrow.FormatValue(esc.Value, esc.Coin),
		RequestedValue: escrow.FormatValue(esc.RequestedValue, esc.Coin),
		Contract:       esc.Contract,
		Credential:     esc.Credential,
		DepositAddress: esc.DepositAddress,
		PayoutTx:       esc.PayoutTx,
		CreatedAt:      esc.CreatedAt.Unix(),
		LastActivity:   esc.LastActivity.Unix(),
	}
	if esc.PreLockState != nil {
		prev := int(*esc.PreLockState)
		rec.PreLockState = &prev
	}
	return rec
}

// columns lists the mutable fields written by a transition.
func (r escrowRecord) columns() map[string]any {
	var preLock any
	if r.PreLockState != nil {
		preLock = *r.PreLockState
	}
	return map[string]any{
		"sender":          r.Sender,
		"recipient":       r.Recipient,
		"state":           r.State,
		"value":           r.Value,
		"requested_value": r.RequestedValue,
		"contract":        r.Contract,
		"credential":      r.Credential,
		"deposit_address": r.DepositAddress,
		"pre_lock_state":  preLock,
		"payout_tx":       r.PayoutTx,
		"last_activity":   r.LastActivity,
	}
}

func (r escrowRecord) toEscrow() (*escrow.Escrow, error) {
	coin := escrow.Coin(r.Coin)
	value, err := decimal.NewFromString(r.Value)
	if err != nil {
		return nil, fmt.Errorf("storage: escrow %s value %q: %w", r.ID, r.Value, err)
	}
	requested := value
	if r.RequestedValue != "" {
		if requested, err = decimal.NewFromString(r.RequestedValue); err != nil {
			return nil, fmt.Errorf("storage: escrow %s requested value %q: %w", r.ID, r.RequestedValue, err)
		}
	}
	esc := &escrow.Escrow{
		ID:             r.ID,
		Coin:           coin,
		State:          escrow.State(r.State),
		Sender:         r.Sender,
		Recipient:      r.Recipient,
		Contract:       r.Contract,
		Value:          escrow.Quantize(value, coin),
		RequestedValue: escrow.Quantize(requested, coin),
		Credential:     r.Credential,
		DepositAddress: r.DepositAddress,
		PayoutTx:       r.PayoutTx,
		CreatedAt:      time.Unix(r.CreatedAt, 0).UTC(),
		LastActivity:   time.Unix(r.LastActivity, 0).UTC(),
	}
	if r.PreLockState != nil {
		prev := escrow.State(*r.PreLockState)
		esc.PreLockState = &prev
	}
	return esc, nil
}
