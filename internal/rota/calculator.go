package rota

import (
	"slices"

	logx "rotabot/pkg/logx"
)

// Calculator computes a period's role assignment from roster and override
// data. Compute is pure and deterministic: identical inputs always produce
// an identical result, independent of call order or prior state.
type Calculator struct {
	fallback int64
	log      logx.Logger
}

// NewCalculator creates a calculator. fallbackUserID fills roles whose
// roster is empty; zero leaves such roles unfilled (restricted/non-prod
// setups only).
func NewCalculator(fallbackUserID int64, log logx.Logger) *Calculator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Calculator{fallback: fallbackUserID, log: log}
}

// Compute returns the assignment for periodIndex.
//
// Per role: an approved override wins; otherwise a non-empty roster rotates
// via roster[periodIndex mod len]; otherwise the configured fallback user
// (or unfilled). The same user holding two roles is permitted and only
// logged; dedup happens downstream at notification time.
func (c *Calculator) Compute(periodIndex int, rosters map[Role][]User, overrides []Override) Assignment {
	byRole := c.indexOverrides(periodIndex, overrides)

	roles := make([]Role, 0, len(rosters)+len(byRole))
	for r := range rosters {
		roles = append(roles, r)
	}
	for r := range byRole {
		if _, ok := rosters[r]; !ok {
			roles = append(roles, r)
		}
	}
	slices.Sort(roles)

	out := make(Assignment, len(roles))
	for _, role := range roles {
		if o, ok := byRole[role]; ok {
			out[role] = o.ReplacementUserID
			continue
		}
		members := rosters[role]
		if len(members) > 0 {
			out[role] = members[periodIndex%len(members)].ID
			continue
		}
		out[role] = c.fallback
	}

	c.warnDuplicates(periodIndex, out)
	return out
}

// indexOverrides keeps one approved override per role. The data model
// expects at most one, but nothing upstream enforces it; when several
// exist the most recently approved wins and a warning is logged.
func (c *Calculator) indexOverrides(periodIndex int, overrides []Override) map[Role]Override {
	byRole := map[Role]Override{}
	for _, o := range overrides {
		if !o.Approved || o.PeriodIndex != periodIndex {
			continue
		}
		prev, ok := byRole[o.Role]
		if !ok {
			byRole[o.Role] = o
			continue
		}
		kept, dropped := prev, o
		if o.ApprovedAt.After(prev.ApprovedAt) {
			kept, dropped = o, prev
			byRole[o.Role] = o
		}
		c.log.Warn("multiple approved overrides for role, keeping most recent",
			logx.Int("period", periodIndex),
			logx.String("role", string(o.Role)),
			logx.Int64("kept", kept.ReplacementUserID),
			logx.Int64("dropped", dropped.ReplacementUserID))
	}
	return byRole
}

func (c *Calculator) warnDuplicates(periodIndex int, a Assignment) {
	seen := map[int64]Role{}
	for _, role := range a.Roles() {
		u := a[role]
		if u == 0 {
			continue
		}
		if first, ok := seen[u]; ok {
			c.log.Warn("user assigned to multiple roles",
				logx.Int("period", periodIndex),
				logx.Int64("user", u),
				logx.String("role", string(first)),
				logx.String("also", string(role)))
			continue
		}
		seen[u] = role
	}
}
