package account

import (
	"fmt"
	"math"
	"time"
)

// Status is the health of a hosting account.
type Status int32

const (
	Active Status = iota
	Expired
	RateLimited
	Disabled
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Expired:
		return "Expired"
	case RateLimited:
		return "RateLimited"
	case Disabled:
		return "Disabled"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

// Credentials are opaque to the pool and only handed to the resolver.
type Credentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Cookie   string `json:"cookie,omitempty"`
}

// Account is one login on the hosting service.
type Account struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Credentials  Credentials `json:"credentials"`
	SessionToken string      `json:"sessionToken,omitempty"`
	TrafficTotal int64       `json:"trafficTotal"`
	TrafficUsed  int64       `json:"trafficUsed"`
	Status       Status      `json:"status"`
	Reason       string      `json:"reason,omitempty"`
	LastUsedAt   time.Time   `json:"lastUsedAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// Remaining returns the unused traffic. A zero TrafficTotal means the host
// does not meter this account.
func (a *Account) Remaining() int64 {
	if a.TrafficTotal <= 0 {
		return math.MaxInt64
	}

	r := a.TrafficTotal - a.TrafficUsed
	if r < 0 {
		return 0
	}

	return r
}

// Usable reports whether the account may be selected at all.
func (a *Account) Usable() bool {
	return a.Status == Active && a.Remaining() > 0
}

// Clone returns a copy safe to hand outside the pool.
func (a *Account) Clone() *Account {
	c := *a
	return &c
}

// Health is the externally visible account-health signal.
type Health struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Remaining int64  `json:"remaining"`
	InFlight  int    `json:"inFlight"`
}
