package domain

import "time"

type WalletOwner string

const (
	WalletOwnerMerchant WalletOwner = "merchant"
	WalletOwnerDriver   WalletOwner = "driver"
)

// MerchantWalletID is the owner id of the single merchant wallet.
const MerchantWalletID int64 = 0

type Wallet struct {
	ID          int64
	OwnerType   WalletOwner
	OwnerID     int64
	Balance     float64
	TotalOrders int64
	TotalEarned float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
