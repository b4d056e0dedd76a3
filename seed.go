package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

//go:embed seed/items.json
var seedItems []byte

// seedCatalog loads the bundled starter catalog through the regular Add
// path. Ids already present are left untouched, so reseeding on every boot
// is harmless.
func seedCatalog(ctx context.Context, catalog *Catalog, logger zerolog.Logger) error {
	var entries []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Price       string `json:"price"`
	}
	if err := json.Unmarshal(seedItems, &entries); err != nil {
		return err
	}
	now := time.Now().UTC()
	added := 0
	for i, e := range entries {
		item := &Item{
			ID:          e.ID,
			Name:        e.Name,
			Description: e.Description,
			Price:       e.Price,
			// spread creation times so the newest-first listing is stable
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		}
		err := catalog.Add(ctx, item)
		if errors.Is(err, ErrDuplicateKey) {
			continue
		}
		if err != nil {
			return err
		}
		added++
	}
	logger.Info().Int("added", added).Int("total", len(entries)).Msg("seed catalog loaded")
	return nil
}
