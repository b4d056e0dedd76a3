package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Item is a catalog entry that can receive offers. The id is caller-supplied
// and immutable once created.
type Item struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       string    `json:"price"`
	CreatedAt   time.Time `json:"createdAt"`
}

// OfferStatus labels an offer. It is written once at creation and never
// transitioned afterwards.
type OfferStatus string

const (
	StatusPending  OfferStatus = "pending"
	StatusAccepted OfferStatus = "accepted"
	StatusRejected OfferStatus = "rejected"
)

// Offer is a bid on a single item. Sequence is the primary key, assigned by
// the ledger. ItemID is the non-owning back-reference to the item under bid;
// its wire name is "id" because the public API has always used the offer's
// id field to point at the item, not at the offer itself.
type Offer struct {
	Sequence  uint64          `json:"sequence"`
	ItemID    string          `json:"id"`
	Name      string          `json:"name"`
	Email     string          `json:"email"`
	Amount    decimal.Decimal `json:"amount"`
	Status    OfferStatus     `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
}

// CreateItemRequest is the payload for creating a new item.
type CreateItemRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       string `json:"price"`
}

// Validate reports the first missing required field.
func (r *CreateItemRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	return nil
}

// UpdateItemRequest is the payload for updating an existing item. The id
// and creation time are never touched by an update.
type UpdateItemRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       string `json:"price"`
}

// Validate reports the first missing required field.
func (r *UpdateItemRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	return nil
}

// CreateOfferRequest is the payload for submitting an offer. Amount is a
// pointer so that an absent amount is distinguishable from a zero bid.
type CreateOfferRequest struct {
	ItemID string           `json:"id"`
	Name   string           `json:"name"`
	Email  string           `json:"email"`
	Amount *decimal.Decimal `json:"amount"`
}

// Validate checks the payload before any record is constructed or any
// storage call is made.
func (r *CreateOfferRequest) Validate() error {
	if strings.TrimSpace(r.ItemID) == "" {
		return fmt.Errorf("%w: id (target item) is required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.Email) == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if r.Amount == nil {
		return fmt.Errorf("%w: amount is required", ErrInvalidInput)
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must be non-negative", ErrInvalidInput)
	}
	return nil
}
