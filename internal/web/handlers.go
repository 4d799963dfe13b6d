package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/vbonduro/lendchain/internal/domain"
)

const maxBodyBytes = 1 << 16

type intentRequest struct {
	UserID string `json:"user_id"`
}

type createFunc func(ctx context.Context, itemID, userID string) (domain.Intent, error)

func (s *Server) handleCreateIntent(create createFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req intentRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, r, err, nil)
			return
		}

		intent, err := create(r.Context(), r.PathValue("id"), req.UserID)
		if err != nil {
			s.writeError(w, r, err, &intent)
			return
		}
		writeJSON(w, http.StatusAccepted, newIntentView(intent))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", domain.ErrInvalidRequest)
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.service.GetItem(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, newItemView(item))
}

func (s *Server) handleItemHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a number", domain.ErrInvalidRequest), nil)
			return
		}
		limit = n
	}

	intents, err := s.service.ItemHistory(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, newIntentViews(intents))
}

func (s *Server) handleOwnedItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.GetOwnedItems(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, newItemViews(items))
}

func (s *Server) handleUserSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.service.UserSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, newSummaryView(summary))
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.service.GetIntent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, newIntentView(intent))
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.service.CancelIntent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err, &intent)
		return
	}
	writeJSON(w, http.StatusOK, newIntentView(intent))
}
