package domain

import "time"

// Built-in incident types produced by the default classifier rules. The set
// is open: custom rules may emit other types.
const (
	IncidentTypeSlow      = "slow"
	IncidentTypeBroken    = "broken"
	IncidentTypeRateLimit = "rate-limit"
)

// Incident is a deduplicated record of an ongoing problem for one
// (service, endpoint, type) identity. At most one unresolved incident exists
// per identity at any time; the store enforces this with a partial unique
// index. All mutation goes through a compare-and-swap on Version.
type Incident struct {
	ID         string     `json:"id"`
	Service    string     `json:"service"`
	Endpoint   string     `json:"endpoint"`
	Type       string     `json:"type"`
	FirstSeen  time.Time  `json:"firstSeen"`
	LastSeen   time.Time  `json:"lastSeen"`
	Count      int64      `json:"count"`
	Resolved   bool       `json:"resolved"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	Version    int64      `json:"-"`
}
