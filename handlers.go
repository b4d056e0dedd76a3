package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Handler handles HTTP requests for items and offers.
type Handler struct {
	catalog *Catalog
	ledger  *Ledger
	rdb     *redis.Client
	logger  zerolog.Logger
}

// NewHandler creates a Handler with dependencies.
func NewHandler(catalog *Catalog, ledger *Ledger, rdb *redis.Client, logger zerolog.Logger) *Handler {
	return &Handler{catalog: catalog, ledger: ledger, rdb: rdb, logger: logger}
}

// message mirrors the API's historical error envelope.
type message struct {
	Message string `json:"message"`
}

// itemsHandler routes /items: GET for the full listing.
func (h *Handler) itemsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	items, err := h.catalog.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, items)
}

// itemHandler routes /items/{id} and the nested offer views
// /items/{id}/offers and /items/{id}/offers/highest.
func (h *Handler) itemHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/items/")
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	if parts[0] == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		h.itemByID(w, r, id)
	case len(parts) == 2 && parts[1] == "offers":
		h.handleListItemOffers(w, r, id)
	case len(parts) == 3 && parts[1] == "offers" && parts[2] == "highest":
		h.handleHighestOffer(w, r, id)
	default:
		respondJSON(w, http.StatusNotFound, message{"Not found"})
	}
}

// itemByID dispatches the per-item methods: GET, POST (create with a
// caller-supplied id), PUT, DELETE and OPTIONS (existence probe).
func (h *Handler) itemByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		h.handleGetItem(w, r, id)
	case http.MethodPost:
		h.handleCreateItem(w, r, id)
	case http.MethodPut:
		h.handleUpdateItem(w, r, id)
	case http.MethodDelete:
		h.handleDeleteItem(w, r, id)
	case http.MethodOptions:
		h.handleItemExists(w, r, id)
	default:
		w.Header().Set("Allow", "GET, POST, PUT, DELETE, OPTIONS")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// handleCreateItem processes POST /items/{id}.
func (h *Handler) handleCreateItem(w http.ResponseWriter, r *http.Request, id string) {
	var req CreateItemRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, message{err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, err)
		return
	}
	item := &Item{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.catalog.Add(r.Context(), item); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			respondJSON(w, http.StatusConflict, message{"Item already exists"})
			return
		}
		h.writeError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/items/%s", item.ID))
	respondJSON(w, http.StatusCreated, item)
}

// handleGetItem processes GET /items/{id}.
func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request, id string) {
	item, err := h.catalog.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respondJSON(w, http.StatusNotFound, message{"Item not found"})
			return
		}
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// handleUpdateItem processes PUT /items/{id}.
func (h *Handler) handleUpdateItem(w http.ResponseWriter, r *http.Request, id string) {
	var req UpdateItemRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, message{err.Error()})
		return
	}
	item, err := h.catalog.Update(r.Context(), id, &req)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respondJSON(w, http.StatusNotFound, message{"Item not found"})
			return
		}
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// handleDeleteItem processes DELETE /items/{id}. Offers referencing the
// item are removed by the catalog's cascade.
func (h *Handler) handleDeleteItem(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.catalog.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			respondJSON(w, http.StatusNotFound, message{"Item not found"})
			return
		}
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleItemExists processes OPTIONS /items/{id}, the existence probe the
// API has always exposed.
func (h *Handler) handleItemExists(w http.ResponseWriter, r *http.Request, id string) {
	ok, err := h.catalog.Exists(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ok {
		respondJSON(w, http.StatusNotFound, message{"Not found"})
		return
	}
	respondJSON(w, http.StatusOK, message{"Exists"})
}

// offersHandler routes /offers: GET for the full ledger, POST to submit.
func (h *Handler) offersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleListOffers(w, r)
	case http.MethodPost:
		h.handleCreateOffer(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// handleCreateOffer processes POST /offers. The request layer owns the
// referential pre-check: the target item must exist before the ledger is
// asked to append.
func (h *Handler) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	var req CreateOfferRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, message{err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, err)
		return
	}
	ok, err := h.catalog.Exists(r.Context(), req.ItemID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ok {
		respondJSON(w, http.StatusUnprocessableEntity, message{"Item does not exist"})
		return
	}
	offer, err := h.ledger.Add(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, offer)
}

// handleListOffers processes GET /offers.
func (h *Handler) handleListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.ledger.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, offers)
}

// handleListItemOffers processes GET /items/{id}/offers.
func (h *Handler) handleListItemOffers(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	ok, err := h.catalog.Exists(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ok {
		respondJSON(w, http.StatusNotFound, message{"Item not found"})
		return
	}
	offers, err := h.ledger.ListByItem(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, offers)
}

// handleHighestOffer processes GET /items/{id}/offers/highest.
func (h *Handler) handleHighestOffer(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	ok, err := h.catalog.Exists(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ok {
		respondJSON(w, http.StatusNotFound, message{"Item not found"})
		return
	}
	offer, err := h.ledger.HighestOffer(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respondJSON(w, http.StatusNotFound, message{"No offers yet"})
			return
		}
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, offer)
}

// healthHandler processes GET /healthz with a short storage ping, so
// deploys can tell an unreachable store from an empty one.
func (h *Handler) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		h.logger.Error().Err(err).Msg("health check: redis unreachable")
		respondJSON(w, http.StatusServiceUnavailable, message{"storage unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, message{"ok"})
}

// writeError maps a component error onto a status code. Absence maps to
// 404 and unavailability to 503 so clients can tell them apart.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var se *StorageError
	switch {
	case errors.Is(err, ErrNotFound):
		respondJSON(w, http.StatusNotFound, message{"Not found"})
	case errors.Is(err, ErrDuplicateKey):
		respondJSON(w, http.StatusConflict, message{"Already exists"})
	case errors.Is(err, ErrInvalidInput):
		respondJSON(w, http.StatusBadRequest, message{err.Error()})
	case errors.Is(err, ErrItemGone):
		respondJSON(w, http.StatusUnprocessableEntity, message{"Item does not exist"})
	case errors.As(err, &se):
		h.logger.Error().Err(se.Err).Str("op", se.Op).Str("key", se.Key).Msg("storage failure")
		respondJSON(w, http.StatusServiceUnavailable, message{"storage unavailable"})
	default:
		h.logger.Error().Err(err).Msg("internal error")
		respondJSON(w, http.StatusInternalServerError, message{http.StatusText(http.StatusInternalServerError)})
	}
}

// respondJSON writes a JSON response with the given status.
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes a single JSON object from the request body, rejecting
// unknown fields and trailing garbage.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request payload: %v", err)
	}
	return ensureSingleJSON(dec)
}

// ensureSingleJSON ensures only a single JSON object is in the request body.
func ensureSingleJSON(dec *json.Decoder) error {
	if t, err := dec.Token(); err != io.EOF || t != nil {
		return fmt.Errorf("request body must only contain a single JSON object")
	}
	return nil
}
