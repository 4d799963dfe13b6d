package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/vbonduro/lendchain/internal/domain"
	"github.com/vbonduro/lendchain/internal/reconcile"
	"github.com/vbonduro/lendchain/internal/service"
)

type itemView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	Holder    string    `json:"holder"`
	State     string    `json:"state"`
	ForSale   bool      `json:"for_sale"`
	LastTxRef string    `json:"last_tx_ref,omitempty"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newItemView(item domain.Item) itemView {
	return itemView{
		ID:        item.ID,
		Name:      item.Name,
		Owner:     item.Owner,
		Holder:    item.Holder,
		State:     string(item.State),
		ForSale:   item.ForSale,
		LastTxRef: item.LastTxRef,
		Version:   item.Version,
		UpdatedAt: item.UpdatedAt,
	}
}

func newItemViews(items []domain.Item) []itemView {
	views := make([]itemView, 0, len(items))
	for _, item := range items {
		views = append(views, newItemView(item))
	}
	return views
}

type txView struct {
	Hash        string    `json:"hash"`
	Account     string    `json:"account"`
	Nonce       uint64    `json:"nonce"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type intentView struct {
	ID          string    `json:"id"`
	ItemID      string    `json:"item_id"`
	Kind        string    `json:"kind"`
	UserID      string    `json:"user_id"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Anomaly     bool      `json:"anomaly,omitempty"`
	Tx          *txView   `json:"tx,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newIntentView(intent domain.Intent) intentView {
	v := intentView{
		ID:          intent.ID,
		ItemID:      intent.ItemID,
		Kind:        string(intent.Kind),
		UserID:      intent.UserID,
		Status:      string(intent.Status),
		Reason:      intent.Reason,
		Anomaly:     intent.Anomaly,
		SubmittedAt: intent.SubmittedAt,
		UpdatedAt:   intent.UpdatedAt,
	}
	if intent.Tx != nil {
		v.Tx = &txView{
			Hash:        intent.Tx.Hash,
			Account:     intent.Tx.Account,
			Nonce:       intent.Tx.Nonce,
			SubmittedAt: intent.Tx.SubmittedAt,
		}
	}
	return v
}

func newIntentViews(intents []domain.Intent) []intentView {
	views := make([]intentView, 0, len(intents))
	for _, intent := range intents {
		views = append(views, newIntentView(intent))
	}
	return views
}

type summaryView struct {
	UserID      string       `json:"user_id"`
	Owned       []itemView   `json:"owned"`
	Borrowed    []itemView   `json:"borrowed"`
	OpenIntents []intentView `json:"open_intents"`
}

func newSummaryView(s *service.UserSummary) summaryView {
	return summaryView{
		UserID:      s.UserID,
		Owned:       newItemViews(s.Owned),
		Borrowed:    newItemViews(s.Borrowed),
		OpenIntents: newIntentViews(s.OpenIntents),
	}
}

type errorBody struct {
	Error  string      `json:"error"`
	Reason string      `json:"reason"`
	Intent *intentView `json:"intent,omitempty"`
}

// statusFor maps a domain error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrItemNotFound), errors.Is(err, domain.ErrIntentNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrItemBusy), errors.Is(err, domain.ErrNotCancelable):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPreconditionViolated),
		errors.Is(err, domain.ErrSubmission),
		errors.Is(err, domain.ErrCanceled):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrGatewayUnavailable), errors.Is(err, reconcile.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError reports err. A recorded intent, if any, is included so the
// caller learns its id and reason.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, intent *domain.Intent) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), Reason: domain.ReasonOf(err)}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body.Error = "internal error"
	}
	if intent != nil && intent.ID != "" {
		v := newIntentView(*intent)
		body.Intent = &v
	}
	writeJSON(w, status, body)
}
