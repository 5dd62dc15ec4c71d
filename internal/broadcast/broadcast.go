// Package broadcast implements the broadcast delivery-status reconciler:
// mapping Meta status callbacks onto per-recipient states and adjusting
// broadcast aggregate counters through the store's atomic increment/decrement
// update, never a read-modify-write.
package broadcast

import (
	"strconv"
	"strings"
	"time"

	"flowcast/internal/models"
	"flowcast/internal/store"
)

// StatusUpdate is one Meta status callback entry for a single message.
type StatusUpdate struct {
	MessageID      string
	Status         string
	Timestamp      string // seconds-since-epoch or ISO-8601
	ConversationID string
	Errors         []StatusError
}

type StatusError struct {
	Title   string
	Message string
	Code    int
	Details string
}

var canonicalStatus = map[string]models.RecipientStatus{
	"sent":        models.RecipientSent,
	"delivered":   models.RecipientDelivered,
	"read":        models.RecipientRead,
	"failed":      models.RecipientFailed,
	"undelivered": models.RecipientFailed,
	"deleted":     models.RecipientFailed,
	"warning":     models.RecipientWarning,
	"pending":     models.RecipientPending,
	"queued":       models.RecipientPending,
}

func mapStatus(raw string) models.RecipientStatus {
	lower := strings.ToLower(raw)
	if s, ok := canonicalStatus[lower]; ok {
		return s
	}
	if raw == "" {
		return models.RecipientPending
	}
	return models.RecipientStatus(strings.ToUpper(raw[:1]) + strings.ToLower(raw[1:]))
}

type Reconciler struct {
	store *store.Store
}

func NewReconciler(s *store.Store) *Reconciler {
	return &Reconciler{store: s}
}

// Reconcile applies one status update for tenant userID. A missing
// recipient (unknown messageId, or one belonging to a different tenant) is
// not an error: it is simply skipped, so one status failing to resolve
// never stops sibling reconciliations.
func (r *Reconciler) Reconcile(userID string, upd StatusUpdate) error {
	if upd.MessageID == "" {
		return nil
	}
	recipient, err := r.store.GetRecipientByMessageID(userID, upd.MessageID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}

	newStatus := mapStatus(upd.Status)
	successDelta, failureDelta := delta(recipient.Status, newStatus)

	recipient.Status = newStatus
	if ts := parseTimestamp(upd.Timestamp); ts != nil {
		recipient.StatusUpdatedAt = ts
	}
	if upd.ConversationID != "" {
		recipient.ConversationID = upd.ConversationID
	}
	if models.FailureStatuses[newStatus] {
		recipient.Error = firstErrorMessage(upd.Errors)
	} else {
		recipient.Error = ""
	}

	return r.store.ApplyRecipientUpdate(recipient, successDelta, failureDelta)
}

// delta computes the +1/-1/0 success/failure aggregate adjustment for a
// status transition: +1 for a status newly entering a set, -1 for leaving,
// 0 otherwise.
func delta(from, to models.RecipientStatus) (successDelta, failureDelta int) {
	wasSuccess := models.SuccessStatuses[from]
	isSuccess := models.SuccessStatuses[to]
	wasFailure := models.FailureStatuses[from]
	isFailure := models.FailureStatuses[to]

	if isSuccess && !wasSuccess {
		successDelta++
	} else if wasSuccess && !isSuccess {
		successDelta--
	}
	if isFailure && !wasFailure {
		failureDelta++
	} else if wasFailure && !isFailure {
		failureDelta--
	}
	return successDelta, failureDelta
}

func parseTimestamp(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.Unix(secs, 0).UTC()
		return &t
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t
	}
	return nil
}

// firstErrorMessage extracts the first status error's most specific
// message: details -> message -> title -> "Error code <n>" -> a generic
// fallback.
func firstErrorMessage(errs []StatusError) string {
	if len(errs) == 0 {
		return "Meta reported delivery failure"
	}
	e := errs[0]
	if e.Details != "" {
		return e.Details
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Title != "" {
		return e.Title
	}
	if e.Code != 0 {
		return "Error code " + strconv.Itoa(e.Code)
	}
	return "Meta reported delivery failure"
}
