package inventory

import "time"

// LedgerEntry is the authoritative counter set for one reservable resource.
// Every mutation preserves available + reserved == total; available and
// reserved never go negative.
type LedgerEntry struct {
	ResourceID       string    `json:"resourceId"`
	Available        int       `json:"available"`
	Reserved         int       `json:"reserved"`
	Total            int       `json:"total"`
	ReorderThreshold int       `json:"reorderThreshold,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt,omitempty"`
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusReleased  Status = "released"
)

// Terminal reports whether no further transitions are allowed from s.
// Released is final; confirmed only leaves via the explicit reversal path.
func (s Status) Terminal() bool {
	return s == StatusReleased
}

// Reservation is a time-bounded claim against exactly one ledger entry,
// looked up by ResourceID (the entry holds no back-reference).
type Reservation struct {
	ID         string    `json:"id"`
	OrderRef   string    `json:"orderRef"`
	ResourceID string    `json:"resourceId"`
	UserID     string    `json:"userId,omitempty"`
	Quantity   int       `json:"quantity"`
	Status     Status    `json:"status"`
	ExpiresAt  time.Time `json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Expired reports whether a still-pending reservation has aged out.
func (r Reservation) Expired(now time.Time) bool {
	return r.Status == StatusPending && r.ExpiresAt.Before(now)
}
