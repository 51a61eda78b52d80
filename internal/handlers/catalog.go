package handlers

import (
	"net/http"
	"strings"

	"marketplace/internal/middleware"
	"marketplace/internal/services"
	"marketplace/internal/validator"

	"github.com/go-chi/chi/v5"
)

type createBundleRequest struct {
	Title              string   `json:"title" validate:"required,max=200"`
	FileIDs            []string `json:"file_ids" validate:"required,min=2,max=50,dive,required"`
	DiscountPercentage int      `json:"discount_percentage" validate:"min=0,max=100"`
}

// ListFiles lists active files, optionally for one seller (?seller=<id>).
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 20)
	rows, err := h.files.ListFiles(r.Context(), strings.TrimSpace(r.URL.Query().Get("seller")), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to list files")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

// CreateBundle lets a seller group their own files. original_price is always
// computed from the files.
func (h *Handler) CreateBundle(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req createBundleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := h.catalog.CreateBundle(r.Context(), services.CreateBundleRequest{
		CreatorID:          userID,
		Title:              req.Title,
		FileIDs:            req.FileIDs,
		DiscountPercentage: req.DiscountPercentage,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, view)
}

func (h *Handler) GetBundle(w http.ResponseWriter, r *http.Request) {
	view, err := h.catalog.Bundle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}
