package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"storybook-server/internal/domain"
)

const defaultEntryLimit = 20

// CreditsSummary returns the caller's live balance plus recent ledger
// entries, newest first.
func (a *App) CreditsSummary(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user")
		return
	}

	balance, err := a.Credits.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load balance")
		return
	}

	limit := defaultEntryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	entries, err := a.Credits.Entries(r.Context(), userID, limit)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load usage")
		return
	}

	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"id":          e.ID,
			"amount":      e.Amount,
			"description": e.Description,
			"createdAt":   e.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{
		"subscriptionCredits": balance.SubscriptionCredits,
		"purchasedCredits":    balance.PurchasedCredits,
		"totalCredits":        balance.Total(),
		"usage":               items,
	})
}
