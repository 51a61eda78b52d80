package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"marketplace/internal/middleware"
	"marketplace/internal/services"
	"marketplace/internal/validator"
)

type signupRequest struct {
	Username     string `json:"username" validate:"required,username"`
	Password     string `json:"password" validate:"required,min=8,max=72"`
	ReferralCode string `json:"referral_code" validate:"omitempty,max=32"`
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.accountSvc.Signup(r.Context(), services.SignupRequest{
		Username:     req.Username,
		Password:     req.Password,
		ReferralCode: req.ReferralCode,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.accountSvc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "user_not_found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to load user")
		return
	}
	account, err := h.accounts.GetByID(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load account")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user":    user,
		"account": account,
	})
}
