// models/wallet_mirror.go
package models

import "time"

// WalletMirror is a read-side snapshot of a user's wallet balance, synced
// from the wallet service by the polling worker. It exists only for the
// fast insufficient-balance check before a wager debit is attempted; the
// wallet service's ledger is always the authority on money.
// Table name: wallet_mirror
type WalletMirror struct {
	ID            string    `gorm:"primaryKey;type:uuid;not null" json:"id"`
	UserID        string    `gorm:"type:uuid;not null;uniqueIndex" json:"user_id"`
	Balance       int64     `gorm:"not null" json:"balance"`
	LockedBalance int64     `gorm:"not null;default:0" json:"locked_balance"`
	IsActive      bool      `gorm:"not null;default:true" json:"is_active"`
	LastSyncedAt  time.Time `gorm:"not null" json:"last_synced_at"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null" json:"updated_at"`
}

func (WalletMirror) TableName() string { return "wallet_mirror" }

// Available is the spendable part of the mirrored balance.
func (w WalletMirror) Available() int64 {
	return w.Balance - w.LockedBalance
}
