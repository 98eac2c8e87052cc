package subscription

import "time"

type decision struct {
	outcome Outcome
	next    *Record
}

func skip(outcome Outcome) decision {
	return decision{outcome: outcome}
}

// decide computes the next record for cmd against current without touching storage.
// A nil next means nothing is written.
func decide(current *Record, meta EventMeta, cmd Command, now time.Time) decision {
	switch c := cmd.(type) {
	case Activate:
		return decideActivate(current, meta, c, now)
	case UpdateStatus:
		if c.Status == StatusCanceled {
			return decideCancel(current, meta, Cancel{SubscriptionID: c.SubscriptionID}, now)
		}
		return decideUpdateStatus(current, meta, c, now)
	case Cancel:
		return decideCancel(current, meta, c, now)
	default:
		return skip(OutcomeIgnored)
	}
}

func decideActivate(current *Record, meta EventMeta, c Activate, now time.Time) decision {
	if current == nil {
		next := &Record{
			UserID:             c.UserID,
			SubscriptionID:     c.SubscriptionID,
			CustomerID:         c.CustomerID,
			Status:             StatusActive,
			CurrentPeriodStart: c.Period.Start,
			CurrentPeriodEnd:   c.Period.End,
			CreatedAt:          now,
		}
		stamp(next, meta, now)
		return decision{outcome: OutcomeCreated, next: next}
	}
	if current.Status == StatusCanceled {
		return skip(OutcomeTerminal)
	}

	next := *current
	changed := false
	if next.UserID == 0 && c.UserID != 0 {
		next.UserID = c.UserID
		changed = true
	}
	if next.CustomerID == "" && c.CustomerID != "" {
		next.CustomerID = c.CustomerID
		changed = true
	}
	if c.Period.End.After(current.CurrentPeriodEnd) {
		next.CurrentPeriodStart = c.Period.Start
		next.CurrentPeriodEnd = c.Period.End
		// A record without a period keeps a status set by a later event.
		if !current.CurrentPeriodEnd.IsZero() || !current.LastEventAt.After(meta.OccurredAt) {
			next.Status = StatusActive
		}
		changed = true
	}
	if !changed {
		return skip(OutcomeStale)
	}
	stamp(&next, meta, now)
	return decision{outcome: OutcomeUpdated, next: &next}
}

func decideUpdateStatus(current *Record, meta EventMeta, c UpdateStatus, now time.Time) decision {
	if current == nil {
		// Stripe may deliver subscription updates before checkout completes. The
		// record is created without an owner; Activate fills in the user id later.
		next := &Record{
			SubscriptionID:     c.SubscriptionID,
			Status:             c.Status,
			CurrentPeriodStart: c.Period.Start,
			CurrentPeriodEnd:   c.Period.End,
			CreatedAt:          now,
		}
		stamp(next, meta, now)
		return decision{outcome: OutcomeCreated, next: next}
	}
	if current.Status == StatusCanceled {
		return skip(OutcomeTerminal)
	}

	next := *current
	if !c.Period.IsZero() {
		switch {
		case c.Period.End.After(current.CurrentPeriodEnd):
		case c.Period.End.Equal(current.CurrentPeriodEnd) && meta.OccurredAt.After(current.LastEventAt):
		default:
			return skip(OutcomeStale)
		}
		next.CurrentPeriodStart = c.Period.Start
		next.CurrentPeriodEnd = c.Period.End
	}
	next.Status = c.Status
	stamp(&next, meta, now)
	return decision{outcome: OutcomeUpdated, next: &next}
}

func decideCancel(current *Record, meta EventMeta, c Cancel, now time.Time) decision {
	if current == nil {
		next := &Record{
			SubscriptionID: c.SubscriptionID,
			Status:         StatusCanceled,
			CreatedAt:      now,
		}
		stamp(next, meta, now)
		return decision{outcome: OutcomeCreated, next: next}
	}
	if current.Status == StatusCanceled {
		return skip(OutcomeTerminal)
	}
	next := *current
	next.Status = StatusCanceled
	stamp(&next, meta, now)
	return decision{outcome: OutcomeUpdated, next: &next}
}

func stamp(r *Record, meta EventMeta, now time.Time) {
	r.UpdatedAt = now
	r.LastAppliedEventID = meta.ID
	if meta.OccurredAt.After(r.LastEventAt) {
		r.LastEventAt = meta.OccurredAt
	}
}
