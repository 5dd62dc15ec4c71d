package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowcast/internal/models"
	"flowcast/internal/outbound"
	"flowcast/internal/store"
)

func newMetaStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{{"id": "wamid.test"}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewEngine(s), s
}

func setupTenant(t *testing.T, s *store.Store) (*models.User, *models.Contact) {
	t.Helper()
	u := &models.User{PhoneNumberID: "pnid", AccessToken: "tok"}
	require.NoError(t, s.UpsertUser(u))
	c := &models.Contact{UserID: u.ID, Phone: "15551234567", Name: "Ada"}
	require.NoError(t, s.InsertContact(c))
	return u, c
}

func newSession(t *testing.T, s *store.Store, c *models.Contact, flow *models.Flow) *models.Session {
	t.Helper()
	sess := &models.Session{ContactID: c.ID, FlowID: flow.ID, Status: models.SessionActive, Context: map[string]any{}}
	require.NoError(t, s.CreateSession(sess))
	return sess
}

func TestRunKeywordTriggerLinearTextCompletes(t *testing.T) {
	srv := newMetaStub(t)
	prevURL := "https://graph.facebook.com"
	outbound.SetBaseURL(srv.URL)
	t.Cleanup(func() { outbound.SetBaseURL(prevURL) })

	e, s := newTestEngine(t)
	u, c := setupTenant(t, s)

	def := models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "trig", Type: models.NodeTrigger, Data: map[string]any{"keyword": "hola"}},
			{ID: "msg", Type: models.NodeMessage, Data: map[string]any{"useTemplate": false, "text": "Hi, {{context.lastUserMessage}}!"}},
			{ID: "end", Type: models.NodeEnd, Data: map[string]any{"reason": "greeted"}},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "trig", Target: "msg"},
			{ID: "e2", Source: "msg", Target: "end"},
		},
	}
	flow := &models.Flow{UserID: u.ID, Name: "Greeting", Trigger: "hola", Status: models.FlowActive, Channel: models.ChannelWhatsApp, Definition: def}
	require.NoError(t, s.CreateFlow(flow))
	sess := newSession(t, s, c, flow)

	err := e.Run(context.Background(), u, c, flow, sess, InboundEvent{Text: "Hola"})
	require.NoError(t, err)

	assert.Equal(t, models.SessionCompleted, sess.Status)
	assert.Nil(t, sess.CurrentNodeID)
	assert.Equal(t, "Hi, Hola!", sess.Context["lastBotMessage"])
	assert.Equal(t, "greeted", sess.Context["endReason"])

	logs, err := s.ListLogs(sess.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SessionCompleted, logs[0].Status)
}

func TestRunOptionsPauseAndResume(t *testing.T) {
	srv := newMetaStub(t)
	outbound.SetBaseURL(srv.URL)
	t.Cleanup(func() { outbound.SetBaseURL("https://graph.facebook.com") })

	e, s := newTestEngine(t)
	u, c := setupTenant(t, s)

	def := models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "trig", Type: models.NodeTrigger, Data: map[string]any{"keyword": "menu"}},
			{ID: "opts", Type: models.NodeOptions, Data: map[string]any{"text": "Pick one", "options": []any{"Yes", "No"}}},
			{ID: "yes", Type: models.NodeMessage, Data: map[string]any{"useTemplate": false, "text": "Got yes"}},
			{ID: "no", Type: models.NodeMessage, Data: map[string]any{"useTemplate": false, "text": "Got no"}},
			{ID: "end", Type: models.NodeEnd, Data: map[string]any{}},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "trig", Target: "opts"},
			{ID: "e2", Source: "opts", Target: "yes", SourceHandle: strPtr("opt-0")},
			{ID: "e3", Source: "opts", Target: "no", SourceHandle: strPtr("opt-1")},
			{ID: "e4", Source: "yes", Target: "end"},
			{ID: "e5", Source: "no", Target: "end"},
		},
	}
	flow := &models.Flow{UserID: u.ID, Name: "Menu", Trigger: "menu", Status: models.FlowActive, Channel: models.ChannelWhatsApp, Definition: def}
	require.NoError(t, s.CreateFlow(flow))
	sess := newSession(t, s, c, flow)

	require.NoError(t, e.Run(context.Background(), u, c, flow, sess, InboundEvent{Text: "menu"}))
	assert.Equal(t, models.SessionPaused, sess.Status)
	require.NotNil(t, sess.CurrentNodeID)
	assert.Equal(t, "opts", *sess.CurrentNodeID)

	require.NoError(t, e.Run(context.Background(), u, c, flow, sess, InboundEvent{Text: "Yes"}))
	assert.Equal(t, models.SessionCompleted, sess.Status)
	assert.Equal(t, "Got yes", sess.Context["lastBotMessage"])
	assert.Equal(t, 0, sess.Context["optionIndex"])
}

func TestRunOptionsResumeByInteractiveID(t *testing.T) {
	srv := newMetaStub(t)
	outbound.SetBaseURL(srv.URL)
	t.Cleanup(func() { outbound.SetBaseURL("https://graph.facebook.com") })

	e, s := newTestEngine(t)
	u, c := setupTenant(t, s)

	def := models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "trig", Type: models.NodeTrigger, Data: map[string]any{"keyword": "menu"}},
			{ID: "opts", Type: models.NodeOptions, Data: map[string]any{"text": "Pick one", "options": []any{"Yes", "No"}}},
			{ID: "yes", Type: models.NodeMessage, Data: map[string]any{"useTemplate": false, "text": "Got yes"}},
			{ID: "huh", Type: models.NodeMessage, Data: map[string]any{"useTemplate": false, "text": "Sorry"}},
			{ID: "end", Type: models.NodeEnd, Data: map[string]any{}},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "trig", Target: "opts"},
			{ID: "e2", Source: "opts", Target: "yes", SourceHandle: strPtr("opt-0")},
			{ID: "e3", Source: "opts", Target: "huh", SourceHandle: strPtr("no-match")},
			{ID: "e4", Source: "yes", Target: "end"},
			{ID: "e5", Source: "huh", Target: "end"},
		},
	}
	flow := &models.Flow{UserID: u.ID, Name: "Menu", Trigger: "menu", Status: models.FlowActive, Channel: models.ChannelWhatsApp, Definition: def}
	require.NoError(t, s.CreateFlow(flow))
	sess := newSession(t, s, c, flow)

	require.NoError(t, e.Run(context.Background(), u, c, flow, sess, InboundEvent{Text: "menu"}))
	require.NoError(t, e.Run(context.Background(), u, c, flow, sess, InboundEvent{InteractiveID: "opt-0", InteractiveTitle: "Yes"}))

	assert.Equal(t, models.SessionCompleted, sess.Status)
	assert.Equal(t, "Got yes", sess.Context["lastBotMessage"])
}

func TestRunOptionsResumeNoMatchRoutesToFallback(t *testing.T) {
	srv := newMetaStub(t)
	outbound.SetBaseURL(srv.URL)
	t.Cleanup(func() { outbound.SetBaseURL("https://graph.facebook.com") })

	e, s := newTestEngine(t)
	u, c := setupTenant(t, s)

	def := models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "trig", Type: models.NodeTrigger, Data: map[string]any{"keyword": "menu"}},
			{ID: "opts", Type: models.NodeOptions, Data: map[string]any{"text": "Pick one", "options": []any{"Yes", "No"}}},
			{ID: "huh", Type: models.NodeMessage, Data: map[string]any{"useTemplate": false, "text": "Sorry"}},
			{ID: "end", Type: models.NodeEnd, Data: map[string]any{}},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "trig", Target: "opts"},
			{ID: "e3", Source: "opts", Target: "huh", SourceHandle: strPtr("no-match")},
			{ID: "e5", Source: "huh", Target: "end"},
		},
	}
	flow := &models.Flow{UserID: u.ID, Name: "Menu", Trigger: "menu", Status: models.FlowActive, Channel: models.ChannelWhatsApp, Definition: def}
	require.NoError(t, s.CreateFlow(flow))
	sess := newSession(t, s, c, flow)

	require.NoError(t, e.Run(context.Background(), u, c, flow, sess, InboundEvent{Text: "menu"}))
	require.NoError(t, e.Run(context.Background(), u, c, flow, sess, InboundEvent{Text: "gibberish"}))

	assert.Equal(t, models.SessionCompleted, sess.Status)
	assert.Equal(t, "Sorry", sess.Context["lastBotMessage"])
}

func TestRunConditionBranching(t *testing.T) {
	e, s := newTestEngine(t)
	u, c := setupTenant(t, s)

	def := models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "trig", Type: models.NodeTrigger, Data: map[string]any{"keyword": "check"}},
			{ID: "assign", Type: models.NodeAssign, Data: map[string]any{"key": "age", "value": "21"}},
			{ID: "cond", Type: models.NodeCondition, Data: map[string]any{"expression": "context.age >= 18"}},
			{ID: "adult", Type: models.NodeEnd, Data: map[string]any{"reason": "adult"}},
			{ID: "minor", Type: models.NodeEnd, Data: map[string]any{"reason": "minor"}},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "trig", Target: "assign"},
			{ID: "e2", Source: "assign", Target: "cond"},
			{ID: "e3", Source: "cond", Target: "adult", SourceHandle: strPtr("true")},
			{ID: "e4", Source: "cond", Target: "minor", SourceHandle: strPtr("false")},
		},
	}
	flow := &models.Flow{UserID: u.ID, Name: "Check", Trigger: "check", Status: models.FlowActive, Channel: models.ChannelWhatsApp, Definition: def}
	require.NoError(t, s.CreateFlow(flow))
	sess := newSession(t, s, c, flow)

	require.NoError(t, e.Run(context.Background(), u, c, flow, sess, InboundEvent{Text: "check"}))
	assert.Equal(t, models.SessionCompleted, sess.Status)
	assert.Equal(t, "adult", sess.Context["endReason"])
	assert.Equal(t, "21", sess.Context["age"])
}

func TestRunGotoJumpsDirectly(t *testing.T) {
	e, s := newTestEngine(t)
	u, c := setupTenant(t, s)

	def := models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "trig", Type: models.NodeTrigger, Data: map[string]any{"keyword": "jump"}},
			{ID: "jumper", Type: models.NodeGoto, Data: map[string]any{"targetNodeId": "end"}},
			{ID: "skipped", Type: models.NodeEnd, Data: map[string]any{"reason": "skipped"}},
			{ID: "end", Type: models.NodeEnd, Data: map[string]any{"reason": "jumped"}},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "trig", Target: "jumper"},
			{ID: "e2", Source: "jumper", Target: "skipped"},
		},
	}
	flow := &models.Flow{UserID: u.ID, Name: "Jump", Trigger: "jump", Status: models.FlowActive, Channel: models.ChannelWhatsApp, Definition: def}
	require.NoError(t, s.CreateFlow(flow))
	sess := newSession(t, s, c, flow)

	require.NoError(t, e.Run(context.Background(), u, c, flow, sess, InboundEvent{Text: "jump"}))
	assert.Equal(t, "jumped", sess.Context["endReason"])
}

func TestRunHandoffPauses(t *testing.T) {
	e, s := newTestEngine(t)
	u, c := setupTenant(t, s)

	def := models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "trig", Type: models.NodeTrigger, Data: map[string]any{"keyword": "help"}},
			{ID: "handoff", Type: models.NodeHandoff, Data: map[string]any{"queue": "support", "note": "escalate"}},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "trig", Target: "handoff"},
		},
	}
	flow := &models.Flow{UserID: u.ID, Name: "Help", Trigger: "help", Status: models.FlowActive, Channel: models.ChannelWhatsApp, Definition: def}
	require.NoError(t, s.CreateFlow(flow))
	sess := newSession(t, s, c, flow)

	require.NoError(t, e.Run(context.Background(), u, c, flow, sess, InboundEvent{Text: "help"}))
	assert.Equal(t, models.SessionPaused, sess.Status)
	assert.Equal(t, "support", sess.Context["handoffQueue"])
	assert.Equal(t, "escalate", sess.Context["handoffNote"])
}

func TestRunNoTriggerMatchDropsSilently(t *testing.T) {
	e, s := newTestEngine(t)
	u, c := setupTenant(t, s)

	def := models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "trig", Type: models.NodeTrigger, Data: map[string]any{"keyword": "hola"}},
			{ID: "end", Type: models.NodeEnd, Data: map[string]any{}},
		},
		Edges: []models.Edge{{ID: "e1", Source: "trig", Target: "end"}},
	}
	flow := &models.Flow{UserID: u.ID, Name: "Greeting", Trigger: "hola", Status: models.FlowActive, Channel: models.ChannelWhatsApp, Definition: def}
	require.NoError(t, s.CreateFlow(flow))
	sess := newSession(t, s, c, flow)

	require.NoError(t, e.Run(context.Background(), u, c, flow, sess, InboundEvent{Text: "unrelated"}))
	assert.Equal(t, models.SessionActive, sess.Status)

	logs, err := s.ListLogs(sess.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 0)
}

func TestRunInvalidNodeDataErrorsSession(t *testing.T) {
	e, s := newTestEngine(t)
	u, c := setupTenant(t, s)

	def := models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "trig", Type: models.NodeTrigger, Data: map[string]any{"keyword": "bad"}},
			{ID: "msg", Type: models.NodeMessage, Data: map[string]any{"useTemplate": false, "text": ""}},
		},
		Edges: []models.Edge{{ID: "e1", Source: "trig", Target: "msg"}},
	}
	flow := &models.Flow{UserID: u.ID, Name: "Bad", Trigger: "bad", Status: models.FlowActive, Channel: models.ChannelWhatsApp, Definition: def}
	require.NoError(t, s.CreateFlow(flow))
	sess := newSession(t, s, c, flow)

	err := e.Run(context.Background(), u, c, flow, sess, InboundEvent{Text: "bad"})
	assert.Error(t, err)
	assert.Equal(t, models.SessionErrored, sess.Status)
}

func TestRunCycleGuardErrorsSession(t *testing.T) {
	e, s := newTestEngine(t)
	u, c := setupTenant(t, s)

	def := models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "trig", Type: models.NodeTrigger, Data: map[string]any{"keyword": "loop"}},
			{ID: "a", Type: models.NodeGoto, Data: map[string]any{"targetNodeId": "b"}},
			{ID: "b", Type: models.NodeGoto, Data: map[string]any{"targetNodeId": "a"}},
		},
		Edges: []models.Edge{{ID: "e1", Source: "trig", Target: "a"}},
	}
	flow := &models.Flow{UserID: u.ID, Name: "Loop", Trigger: "loop", Status: models.FlowActive, Channel: models.ChannelWhatsApp, Definition: def}
	require.NoError(t, s.CreateFlow(flow))
	sess := newSession(t, s, c, flow)

	err := e.Run(context.Background(), u, c, flow, sess, InboundEvent{Text: "loop"})
	assert.Error(t, err)
	assert.Equal(t, models.SessionErrored, sess.Status)
}

func TestRunAPINodeAssignsResult(t *testing.T) {
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	t.Cleanup(apiSrv.Close)

	e, s := newTestEngine(t)
	u, c := setupTenant(t, s)

	def := models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "trig", Type: models.NodeTrigger, Data: map[string]any{"keyword": "fetch"}},
			{ID: "api", Type: models.NodeAPI, Data: map[string]any{"url": apiSrv.URL, "method": "GET", "assignTo": "apiResult"}},
			{ID: "end", Type: models.NodeEnd, Data: map[string]any{}},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "trig", Target: "api"},
			{ID: "e2", Source: "api", Target: "end"},
		},
	}
	flow := &models.Flow{UserID: u.ID, Name: "Fetch", Trigger: "fetch", Status: models.FlowActive, Channel: models.ChannelWhatsApp, Definition: def}
	require.NoError(t, s.CreateFlow(flow))
	sess := newSession(t, s, c, flow)

	require.NoError(t, e.Run(context.Background(), u, c, flow, sess, InboundEvent{Text: "fetch"}))
	assert.Equal(t, models.SessionCompleted, sess.Status)
	result, ok := sess.Context["apiResult"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", result["status"])
}

func strPtr(s string) *string { return &s }
