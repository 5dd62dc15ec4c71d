// Package session resolves the (contact, session) pair for an inbound
// WhatsApp message: find-or-create the contact, then find-or-create the
// session that the executor will step through.
// Concurrent webhook deliveries for the same phone number are deduplicated
// with golang.org/x/sync/singleflight rather than a per-phone mutex, so a
// burst of retries from Meta collapses into one contact-creation attempt.
package session

import (
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"

	"flowcast/internal/models"
	"flowcast/internal/outbound"
	"flowcast/internal/store"
)

type Resolver struct {
	store *store.Store
	group singleflight.Group
}

func NewResolver(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// GetOrCreateContact resolves a contact for userID/phone, creating one if
// none exists. phone is canonicalized to digits-only before storage and
// lookup, so a contact is keyed the same way regardless of which form
// (E.164 with a leading "+", spaced, or already bare digits) an inbound
// message or a manual trigger supplies. Concurrent calls for the same
// (userID, canonical phone) share a single in-flight attempt; a losing
// INSERT that hits the unique constraint re-reads rather than erroring.
func (r *Resolver) GetOrCreateContact(userID, phone, name string) (*models.Contact, error) {
	canonical := outbound.CanonicalPhone(phone)
	if canonical == "" {
		return nil, fmt.Errorf("session: phone %q has no digits to canonicalize", phone)
	}

	key := userID + "|" + canonical
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.getOrCreateContact(userID, canonical, phone, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Contact), nil
}

// phoneCandidates builds the lookup set for an existing contact stored
// under a not-yet-canonical phone: the canonical digits-only form, the
// original raw value trimmed (if it differs), and a leading-zero-stripped
// alternate some Meta payloads send for local-format numbers.
func phoneCandidates(canonical, raw string) []string {
	seen := map[string]bool{canonical: true}
	out := []string{canonical}

	if trimmed := strings.TrimSpace(raw); trimmed != "" && !seen[trimmed] {
		seen[trimmed] = true
		out = append(out, trimmed)
	}
	if alt := strings.TrimPrefix(canonical, "0"); alt != canonical && !seen[alt] {
		seen[alt] = true
		out = append(out, alt)
	}
	return out
}

func (r *Resolver) getOrCreateContact(userID, canonical, raw, name string) (*models.Contact, error) {
	c, err := r.store.FindContact(userID, phoneCandidates(canonical, raw))
	if err == nil {
		if c.Phone != canonical {
			c.Phone = canonical
			if err := r.store.UpdateContact(c); err != nil {
				return nil, err
			}
		}
		return c, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	c = &models.Contact{UserID: userID, Phone: canonical, Name: name}
	if err := r.store.InsertContact(c); err != nil {
		if err == store.ErrConflict {
			return r.store.FindContact(userID, phoneCandidates(canonical, raw))
		}
		return nil, err
	}
	return c, nil
}

// EnsureSessionForFlow returns the contact's existing session against
// flowID if present, otherwise creates a fresh Active one with empty
// context.
func (r *Resolver) EnsureSessionForFlow(contactID, flowID string) (*models.Session, error) {
	sess, err := r.store.GetSession(contactID, flowID)
	if err == nil {
		return sess, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	sess = &models.Session{
		ContactID: contactID,
		FlowID:    flowID,
		Status:    models.SessionActive,
		Context:   map[string]any{},
	}
	if err := r.store.CreateSession(sess); err != nil {
		if err == store.ErrConflict {
			return r.store.GetSession(contactID, flowID)
		}
		return nil, err
	}
	return sess, nil
}

// FindResumableSession returns the contact's most recently touched Active
// or Paused session, used when an inbound message should resume an
// in-progress flow rather than start a new one.
func (r *Resolver) FindResumableSession(contactID string) (*models.Session, error) {
	sess, err := r.store.FindLatestActiveSession(contactID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

// TouchContactName updates a contact's display name if it changed, ignoring
// a blank incoming name (WhatsApp profile names are optional per-message).
func (r *Resolver) TouchContactName(c *models.Contact, name string) error {
	if name == "" || name == c.Name {
		return nil
	}
	c.Name = name
	return r.store.UpdateContact(c)
}

