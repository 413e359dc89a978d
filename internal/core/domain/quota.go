package domain

import "time"

// UnlimitedQuota marks a plan without a monthly cap.
const UnlimitedQuota int64 = -1

// QuotaAccount is one subject's consumption ledger for one monthly period.
// Rows are never deleted, only superseded when a new period begins.
type QuotaAccount struct {
	SubjectID string
	Plan      string
	Period    string // "2006-01", UTC
	Used      int64
	UpdatedAt time.Time
}

// Reservation reports a successfully consumed unit.
type Reservation struct {
	Plan    string
	Used    int64
	Limit   int64
	ResetAt time.Time
}

// Usage is the non-atomic view returned by a quota peek. It must never be
// used to decide admission; only the atomic reserve does that.
type Usage struct {
	Plan    string
	Used    int64
	Limit   int64
	ResetAt time.Time
}

// Remaining returns the units left in the period, or UnlimitedQuota.
func (u Usage) Remaining() int64 {
	if u.Limit == UnlimitedQuota {
		return UnlimitedQuota
	}
	if u.Used >= u.Limit {
		return 0
	}
	return u.Limit - u.Used
}
