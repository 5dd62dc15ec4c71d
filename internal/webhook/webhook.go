// Package webhook implements the Meta webhook dispatcher: GET subscription
// verification, and POST demultiplexing of Meta's batched or standalone
// change-value payloads into message handling (contact/session resolution,
// trigger matching, flow execution) or broadcast status reconciliation.
package webhook

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"flowcast/internal/broadcast"
	"flowcast/internal/executor"
	"flowcast/internal/models"
	"flowcast/internal/session"
	"flowcast/internal/store"
	"flowcast/internal/trigger"
)

type Dispatcher struct {
	store       *store.Store
	resolver    *session.Resolver
	engine      *executor.Engine
	reconciler  *broadcast.Reconciler
	verifyToken string
}

func NewDispatcher(s *store.Store, verifyToken string) *Dispatcher {
	return &Dispatcher{
		store:       s,
		resolver:    session.NewResolver(s),
		engine:      executor.NewEngine(s),
		reconciler:  broadcast.NewReconciler(s),
		verifyToken: verifyToken,
	}
}

// ─── wire payload shapes ────────────────────────────────────────────────────

type envelope struct {
	Entry []struct {
		Changes []struct {
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
	Value *changeValue `json:"value,omitempty"`
}

type changeValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []rawMessage `json:"messages"`
	Statuses []rawStatus  `json:"statuses"`
}

type mediaRef struct {
	ID      string `json:"id"`
	Caption string `json:"caption"`
}

type rawMessage struct {
	From        string `json:"from"`
	Type        string `json:"type"`
	Text        *struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive *struct {
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Image    *mediaRef `json:"image"`
	Video    *mediaRef `json:"video"`
	Audio    *mediaRef `json:"audio"`
	Document *mediaRef `json:"document"`
}

type rawStatus struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Timestamp    string `json:"timestamp"`
	Conversation *struct {
		ID string `json:"id"`
	} `json:"conversation"`
	Errors []struct {
		Title     string `json:"title"`
		Message   string `json:"message"`
		Code      int    `json:"code"`
		ErrorData *struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"errors"`
}

// ─── GET verification ───────────────────────────────────────────────────────

func (d *Dispatcher) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == d.verifyToken && challenge != "" {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge))
		return
	}
	w.WriteHeader(http.StatusForbidden)
}

// ─── POST dispatch ───────────────────────────────────────────────────────────

func (d *Dispatcher) PostHandler(w http.ResponseWriter, r *http.Request) {
	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	values := make([]changeValue, 0, 1)
	if env.Value != nil {
		values = append(values, *env.Value)
	}
	for _, e := range env.Entry {
		for _, c := range e.Changes {
			values = append(values, c.Value)
		}
	}

	for _, v := range values {
		d.handleChangeValue(r.Context(), v)
	}

	w.WriteHeader(http.StatusOK)
}

func (d *Dispatcher) handleChangeValue(ctx context.Context, v changeValue) {
	if v.Metadata.PhoneNumberID == "" {
		return
	}
	user, err := d.store.GetUserByPhoneNumberID(v.Metadata.PhoneNumberID)
	if err != nil {
		log.Printf("webhook: unknown phone_number_id %q: %v", v.Metadata.PhoneNumberID, err)
		return
	}

	for _, s := range v.Statuses {
		upd := broadcast.StatusUpdate{
			MessageID: s.ID,
			Status:    s.Status,
			Timestamp: s.Timestamp,
		}
		if s.Conversation != nil {
			upd.ConversationID = s.Conversation.ID
		}
		for _, e := range s.Errors {
			se := broadcast.StatusError{Title: e.Title, Message: e.Message, Code: e.Code}
			if e.ErrorData != nil {
				se.Details = e.ErrorData.Details
			}
			upd.Errors = append(upd.Errors, se)
		}
		if err := d.reconciler.Reconcile(user.ID, upd); err != nil {
			log.Printf("webhook: status reconciliation failed for message %q: %v", s.ID, err)
		}
	}

	if len(v.Messages) == 0 {
		return
	}

	names := make(map[string]string, len(v.Contacts))
	for _, c := range v.Contacts {
		names[c.WaID] = c.Profile.Name
	}

	for _, m := range v.Messages {
		if err := d.handleMessage(ctx, user, names[m.From], m); err != nil {
			log.Printf("webhook: message processing failed: %v", err)
		}
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, user *models.User, profileName string, m rawMessage) error {
	in := inboundFromMessage(m)

	contact, err := d.resolver.GetOrCreateContact(user.ID, m.From, profileName)
	if err != nil {
		return err
	}
	if err := d.resolver.TouchContactName(contact, profileName); err != nil {
		log.Printf("webhook: contact name update failed for %q: %v", contact.ID, err)
	}

	flow, err := d.resolveFlow(user, contact, in)
	if err != nil {
		return err
	}
	if flow == nil {
		return nil
	}

	sess, err := d.resolver.EnsureSessionForFlow(contact.ID, flow.ID)
	if err != nil {
		return err
	}

	return d.engine.Run(ctx, user, contact, flow, sess, in)
}

// resolveFlow prefers an existing Active/Paused session's flow; if that
// flow is no longer Active it drops the stale session and re-selects via
// trigger matching.
func (d *Dispatcher) resolveFlow(user *models.User, contact *models.Contact, in executor.InboundEvent) (*models.Flow, error) {
	existing, err := d.resolver.FindResumableSession(contact.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		flow, err := d.store.GetFlow(existing.FlowID)
		if err == nil && flow.Status == models.FlowActive {
			return flow, nil
		}
	}

	candidates, err := d.store.ListActiveWhatsAppFlows(user.ID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	triggerCandidates := make([]trigger.FlowCandidate, 0, len(candidates))
	byID := make(map[string]*models.Flow, len(candidates))
	for _, f := range candidates {
		triggerCandidates = append(triggerCandidates, trigger.FlowCandidate{
			FlowID:    f.ID,
			Trigger:   f.Trigger,
			UpdatedAt: f.UpdatedAt.UnixNano(),
		})
		byID[f.ID] = f
	}

	flowID := trigger.SelectFlow(trigger.InboundText{
		FullText:         in.Text,
		InteractiveTitle: in.InteractiveTitle,
		InteractiveID:    in.InteractiveID,
	}, triggerCandidates)
	if flowID == "" {
		return nil, nil
	}
	return byID[flowID], nil
}

func inboundFromMessage(m rawMessage) executor.InboundEvent {
	in := executor.InboundEvent{}

	if m.Text != nil {
		in.Text = m.Text.Body
	}
	if m.Interactive != nil {
		if m.Interactive.ButtonReply != nil {
			in.InteractiveID = m.Interactive.ButtonReply.ID
			in.InteractiveTitle = m.Interactive.ButtonReply.Title
			in.Text = m.Interactive.ButtonReply.Title
		} else if m.Interactive.ListReply != nil {
			in.InteractiveID = m.Interactive.ListReply.ID
			in.InteractiveTitle = m.Interactive.ListReply.Title
			in.Text = m.Interactive.ListReply.Title
		}
	}

	switch {
	case m.Image != nil:
		in.Media = map[string]any{"type": "image", "id": m.Image.ID, "caption": m.Image.Caption}
	case m.Video != nil:
		in.Media = map[string]any{"type": "video", "id": m.Video.ID, "caption": m.Video.Caption}
	case m.Audio != nil:
		in.Media = map[string]any{"type": "audio", "id": m.Audio.ID}
	case m.Document != nil:
		in.Media = map[string]any{"type": "document", "id": m.Document.ID, "caption": m.Document.Caption}
	}

	in.Text = strings.TrimSpace(in.Text)
	return in
}
