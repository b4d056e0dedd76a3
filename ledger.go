package main

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	offerKeyPrefix = "offer:"
	offerIndexKey  = "offers"
	offerSeqKey    = "offers:seq"
)

func offerKey(seq uint64) string { return offerKeyPrefix + strconv.FormatUint(seq, 10) }

func offerItemIndexKey(itemID string) string { return "offers:item:" + itemID }

// Ledger provides append-only offer persistence in Redis. Offers are never
// updated or deleted through the Ledger; auction history is not mutated
// after submission. The only way an offer disappears is the cascade that
// runs when its item is deleted from the Catalog.
type Ledger struct {
	client *redis.Client
}

// NewLedger creates a Ledger on top of an existing Redis client.
func NewLedger(client *redis.Client) *Ledger {
	return &Ledger{client: client}
}

// Add validates the payload, assigns the next sequence number and creation
// time, and stores the offer. Callers are expected to have confirmed the
// referenced item exists; the ledger still re-checks it inside a WATCH
// transaction on the item key, so an item deleted mid-write aborts the
// transaction and the add fails with ErrItemGone instead of leaving a
// dangling reference.
func (l *Ledger) Add(ctx context.Context, req *CreateOfferRequest) (*Offer, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	watched := itemKey(req.ItemID)

	var stored *Offer
	txn := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, watched).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrItemGone
		}
		// An aborted EXEC burns the number it drew; sequence numbers stay
		// strictly increasing, gaps are fine.
		seq, err := tx.Incr(ctx, offerSeqKey).Result()
		if err != nil {
			return err
		}
		offer := &Offer{
			Sequence:  uint64(seq),
			ItemID:    req.ItemID,
			Name:      req.Name,
			Email:     req.Email,
			Amount:    *req.Amount,
			Status:    StatusPending,
			CreatedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(offer)
		if err != nil {
			return err
		}
		member := strconv.FormatUint(offer.Sequence, 10)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, offerKey(offer.Sequence), data, 0)
			pipe.ZAdd(ctx, offerIndexKey, &redis.Z{Score: float64(seq), Member: member})
			pipe.ZAdd(ctx, offerItemIndexKey(req.ItemID), &redis.Z{Score: float64(seq), Member: member})
			return nil
		})
		if err == nil {
			stored = offer
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := l.client.Watch(ctx, txn, watched)
		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, ErrItemGone) {
			return nil, ErrItemGone
		}
		if err != nil {
			return nil, storageErr("add offer", watched, err)
		}
		return stored, nil
	}
	return nil, storageErr("add offer", watched, redis.TxFailedErr)
}

// List returns every offer in the ledger in insertion order.
func (l *Ledger) List(ctx context.Context) ([]Offer, error) {
	return l.collect(ctx, offerIndexKey)
}

// ListByItem returns all offers for one item in insertion order. An item
// with no offers yields an empty slice, not an error.
func (l *Ledger) ListByItem(ctx context.Context, itemID string) ([]Offer, error) {
	return l.collect(ctx, offerItemIndexKey(itemID))
}

// HighestOffer returns the offer with the maximum amount among all offers
// for the item. Equal amounts resolve to the earliest sequence, so repeated
// calls always return the same offer. ErrNotFound means the item has no
// offers yet.
func (l *Ledger) HighestOffer(ctx context.Context, itemID string) (*Offer, error) {
	offers, err := l.ListByItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, ErrNotFound
	}
	best := &offers[0]
	for i := 1; i < len(offers); i++ {
		// strictly greater keeps the earliest sequence on ties
		if offers[i].Amount.GreaterThan(best.Amount) {
			best = &offers[i]
		}
	}
	return best, nil
}

// collect loads the offers referenced by an index ZSET, ascending by
// sequence number.
func (l *Ledger) collect(ctx context.Context, indexKey string) ([]Offer, error) {
	seqs, err := l.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, storageErr("list offers", indexKey, err)
	}
	if len(seqs) == 0 {
		return []Offer{}, nil
	}
	pipe := l.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(seqs))
	for i, seq := range seqs {
		cmds[i] = pipe.Get(ctx, offerKeyPrefix+seq)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, storageErr("list offers", indexKey, err)
	}
	offers := make([]Offer, 0, len(seqs))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, storageErr("list offers", indexKey, err)
		}
		var o Offer
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, nil
}
