package listing

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusUnmatched Status = "unmatched"
	StatusMatched   Status = "matched"
	StatusPaid      Status = "paid"
)

// Listing is a bill a user offers for swap.
type Listing struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Amount    decimal.Decimal `json:"amount"`
	Category  string          `json:"category"`
	DueDate   time.Time       `json:"due_date"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Filters struct {
	OwnerID   string
	Status    Status
	Category  string
	Page      int
	PageSize  int
	SortKey   string
	SortOrder string
}

// CandidateQuery selects unmatched listings that could pair with a target.
type CandidateQuery struct {
	Amount       decimal.Decimal
	MinAmount    decimal.Decimal
	MaxAmount    decimal.Decimal
	DueFrom      time.Time
	DueTo        time.Time
	ExcludeOwner string
	Limit        int
}
