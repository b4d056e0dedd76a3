package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
)

const (
	itemKeyPrefix = "item:"
	itemIndexKey  = "items"
)

func itemKey(id string) string { return itemKeyPrefix + id }

// maxTxRetries bounds optimistic WATCH transactions under write contention.
const maxTxRetries = 5

// Catalog provides item persistence in Redis. It borrows a process-wide
// client created in main and does not own its lifecycle.
type Catalog struct {
	client *redis.Client
}

// NewCatalog creates a Catalog on top of an existing Redis client.
func NewCatalog(client *redis.Client) *Catalog {
	return &Catalog{client: client}
}

// Add inserts a new item. The record and its index entry commit in one
// MULTI block under WATCH on the item key, so a failed add leaves nothing
// behind and of any number of concurrent adds with the same id, exactly one
// succeeds and the rest fail with ErrDuplicateKey without touching the
// stored record.
func (c *Catalog) Add(ctx context.Context, item *Item) error {
	if strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(item.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	key := itemKey(item.ID)
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}

	txn := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateKey
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, itemIndexKey, &redis.Z{Score: float64(item.CreatedAt.UnixNano()), Member: item.ID})
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := c.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, ErrDuplicateKey) {
			return ErrDuplicateKey
		}
		if err != nil {
			return storageErr("add item", key, err)
		}
		return nil
	}
	return storageErr("add item", key, redis.TxFailedErr)
}

// Get retrieves an item by id. Absence is reported as ErrNotFound, not as a
// storage failure.
func (c *Catalog) Get(ctx context.Context, id string) (*Item, error) {
	key := itemKey(id)
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, storageErr("get item", key, err)
	}
	var item Item
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// Exists reports whether an item with the given id is present. Callers use
// it as the pre-condition check before submitting dependent offers.
func (c *Catalog) Exists(ctx context.Context, id string) (bool, error) {
	key := itemKey(id)
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, storageErr("exists item", key, err)
	}
	return n > 0, nil
}

// Update replaces name, description and price of an existing item. The
// read-modify-write runs under WATCH on the item key, so a concurrent
// delete or recreate invalidates the transaction and the update retries
// against the fresh record instead of writing stale fields over it. A
// deleted item is never resurrected; the update reports ErrNotFound like
// any other miss.
func (c *Catalog) Update(ctx context.Context, id string, req *UpdateItemRequest) (*Item, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key := itemKey(id)

	var updated *Item
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var item Item
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return err
		}
		item.Name = req.Name
		item.Description = req.Description
		item.Price = req.Price
		out, err := json.Marshal(&item)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err == nil {
			updated = &item
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := c.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, storageErr("update item", key, err)
		}
		return updated, nil
	}
	return nil, storageErr("update item", key, redis.TxFailedErr)
}

// Delete removes an item and cascades to every offer referencing it. Redis
// has no declarative foreign keys, so the cleanup is explicit: the item, its
// index entry, the dependent offer records and their index entries go in one
// MULTI block. The transaction watches the per-item offer index, so an offer
// committed while the cascade is being assembled forces a retry instead of
// being left dangling.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	key := itemKey(id)
	idxKey := offerItemIndexKey(id)

	txn := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		seqs, err := tx.ZRange(ctx, idxKey, 0, -1).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, itemIndexKey, id)
			for _, seq := range seqs {
				pipe.Del(ctx, offerKeyPrefix+seq)
				pipe.ZRem(ctx, offerIndexKey, seq)
			}
			pipe.Del(ctx, idxKey)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := c.client.Watch(ctx, txn, key, idxKey)
		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return storageErr("delete item", key, err)
		}
		return nil
	}
	return storageErr("delete item", key, redis.TxFailedErr)
}

// List returns all items, most recently created first.
func (c *Catalog) List(ctx context.Context) ([]Item, error) {
	ids, err := c.client.ZRevRange(ctx, itemIndexKey, 0, -1).Result()
	if err != nil {
		return nil, storageErr("list items", itemIndexKey, err)
	}
	if len(ids) == 0 {
		return []Item{}, nil
	}
	pipe := c.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, itemKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, storageErr("list items", itemIndexKey, err)
	}
	items := make([]Item, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			if err == redis.Nil {
				// index entry outlived the record; skip it
				continue
			}
			return nil, storageErr("list items", itemIndexKey, err)
		}
		var item Item
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
