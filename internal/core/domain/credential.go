package domain

import "time"

// Credential is a provider API secret tracked with health and usage metadata.
type Credential struct {
	ID            string     `json:"id"            db:"id"`
	Secret        string     `json:"-"             db:"secret"`
	Label         string     `json:"label"         db:"label"`
	Active        bool       `json:"active"        db:"active"`
	LastUsedAt    *time.Time `json:"last_used_at"  db:"last_used_at"`
	RequestCount  int64      `json:"request_count" db:"request_count"`
	ErrorCount    int64      `json:"error_count"   db:"error_count"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty" db:"cooldown_until"`
	CreatedAt     time.Time  `json:"created_at"    db:"created_at"`

	// Seq is the insertion order, used to break LRU ties.
	Seq int64 `json:"seq" db:"seq"`
}

// CoolingDown reports whether the credential is inside its cooldown window at now.
func (c *Credential) CoolingDown(now time.Time) bool {
	return c.CooldownUntil != nil && now.Before(*c.CooldownUntil)
}

// Eligible reports whether the credential may be handed out at now.
func (c *Credential) Eligible(now time.Time) bool {
	return c.Active && !c.CoolingDown(now)
}

// MaskedSecret returns the secret with everything but the last four characters hidden.
func (c *Credential) MaskedSecret() string {
	if len(c.Secret) <= 4 {
		return "****"
	}
	return "****" + c.Secret[len(c.Secret)-4:]
}
