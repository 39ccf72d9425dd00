package ledger

import (
	"time"

	"github.com/google/uuid"
)

// RewardThreshold is the point balance at which a free item can be redeemed.
const RewardThreshold = 10

// State is the reward state derived from a point balance.
type State string

const (
	StateAccruing    State = "accruing"
	StateRewardReady State = "reward_ready"
)

// Customer is the ledger record for one enrolled customer.
type Customer struct {
	ID             uuid.UUID `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Phone          string    `db:"phone" json:"phone"`
	Points         int       `db:"points" json:"points"`
	FreeRewards    int       `db:"free_rewards" json:"free_rewards"`
	TotalPurchases int       `db:"total_purchases" json:"total_purchases"`
	LinkedIdentity *string   `db:"linked_identity" json:"linked_identity,omitempty"`
	Version        int64     `db:"version" json:"version"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// PhoneNumber returns the phone as entered at enrollment.
func (c Customer) PhoneNumber() string {
	return c.Phone
}

// State returns the reward state for the current balance.
// Balances above the threshold are legal and still reward-ready.
func (c Customer) State() State {
	if c.Points >= RewardThreshold {
		return StateRewardReady
	}
	return StateAccruing
}

// RewardReady reports whether a redemption is currently permitted.
func (c Customer) RewardReady() bool {
	return c.State() == StateRewardReady
}

// Card is the display projection of a customer record.
type Card struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Phone           string    `json:"phone"`
	Points          int       `json:"points"`
	FreeRewards     int       `json:"free_rewards"`
	TotalPurchases  int       `json:"total_purchases"`
	RewardReady     bool      `json:"reward_ready"`
	Remaining       int       `json:"remaining"`
	Stamps          int       `json:"stamps"`
	ProgressPercent int       `json:"progress_percent"`
	Linked          bool      `json:"linked"`
	Version         int64     `json:"version"`
}

// CardOf builds the display card. Stamps are clamped to the threshold for
// display only; Points keeps the authoritative balance.
func CardOf(c Customer) Card {
	stamps := c.Points
	if stamps > RewardThreshold {
		stamps = RewardThreshold
	}
	remaining := RewardThreshold - c.Points
	if remaining < 0 {
		remaining = 0
	}

	return Card{
		ID:              c.ID,
		Name:            c.Name,
		Phone:           c.Phone,
		Points:          c.Points,
		FreeRewards:     c.FreeRewards,
		TotalPurchases:  c.TotalPurchases,
		RewardReady:     c.RewardReady(),
		Remaining:       remaining,
		Stamps:          stamps,
		ProgressPercent: stamps * 100 / RewardThreshold,
		Linked:          c.LinkedIdentity != nil,
		Version:         c.Version,
	}
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}
