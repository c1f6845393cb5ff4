package domain

import "time"

// Balance is a user's live two-bucket credit balance. Debits consume the
// subscription bucket first and spill into the purchased bucket; refunds
// always credit the purchased bucket.
type Balance struct {
	SubscriptionCredits int
	PurchasedCredits    int
}

// Total returns the spendable sum across both buckets.
func (b Balance) Total() int {
	return b.SubscriptionCredits + b.PurchasedCredits
}

// CreditEntry is one row of the append-only usage log. Positive amounts are
// debits, negative amounts are refunds. Entries are never updated or deleted.
type CreditEntry struct {
	ID          string
	UserID      string
	Amount      int
	Description string
	CreatedAt   time.Time
}
