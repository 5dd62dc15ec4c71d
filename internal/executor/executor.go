// Package executor implements the flow executor: a bounded interpreter
// over a sanitized flow graph that walks a session from its
// starting node to a paused, completed, or errored state, applying each
// node's side effects (template interpolation, outbound sends, HTTP calls,
// variable assignment, condition evaluation) along the way.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"flowcast/internal/expr"
	"flowcast/internal/jsonpath"
	"flowcast/internal/models"
	"flowcast/internal/outbound"
	"flowcast/internal/store"
	"flowcast/internal/template"
	"flowcast/internal/trigger"
)

const (
	maxSteps     = 500
	maxDelay     = 60 * time.Second
	apiTimeout   = 15 * time.Second
)

// SendError wraps an outbound/validation failure with the HTTP status a
// manual-trigger caller should see.
type SendError struct {
	Status  int
	Message string
}

func (e *SendError) Error() string { return e.Message }

// InboundEvent is the normalized inbound payload the executor consumes,
// assembled by the webhook dispatcher or the manual-trigger HTTP handler.
type InboundEvent struct {
	Text             string
	InteractiveID    string
	InteractiveTitle string
	Media            map[string]any
}

// Engine runs executions against a persisted store, sending through a
// fresh outbound client built from the tenant's credentials on each run:
// there is no process-wide client cache, since credentials are per-tenant
// and may change between runs.
type Engine struct {
	store      *store.Store
	httpClient *http.Client
}

func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s, httpClient: &http.Client{Timeout: apiTimeout}}
}

// run carries the per-invocation state execNode's helpers need (the
// outbound client and the recipient phone), avoiding either a long parameter
// list threaded through every node handler or stashing transport details in
// the persisted session context.
type run struct {
	client *outbound.Client
	flow   *models.Flow
	phone  string
}

// Run advances sess by one inbound event. It mutates and persists sess as
// it goes, saving context after every step. A failing node or start-node
// resolution marks the session Errored and persists that outcome before the
// error is returned; a failed session write to the store is returned as is.
// Callers on the manual-trigger path should type assert for *SendError to
// recover an HTTP status.
func (e *Engine) Run(ctx context.Context, user *models.User, contact *models.Contact, flow *models.Flow, sess *models.Session, in InboundEvent) error {
	if sess.Context == nil {
		sess.Context = map[string]any{}
	}
	recordInbound(sess.Context, in)

	nodeIndex, outIndex := indexFlow(flow.Definition)

	startNodeID, dropped, err := e.resolveStart(sess, flow.Definition.Nodes, nodeIndex, outIndex, in)
	if err != nil {
		sess.Status = models.SessionErrored
		_ = e.store.SaveSession(sess)
		e.appendLog(sess)
		return err
	}
	if dropped {
		return nil
	}

	r := &run{
		client: outbound.NewClient(user.PhoneNumberID, user.AccessToken),
		flow:   flow,
		phone:  contact.Phone,
	}
	runErr := e.loop(ctx, r, sess, nodeIndex, outIndex, startNodeID)
	e.appendLog(sess)
	return runErr
}

func (e *Engine) appendLog(sess *models.Session) {
	_ = e.store.AppendLog(&models.Log{
		SessionID: sess.ID,
		Status:    sess.Status,
		Context:   sess.Context,
	})
}

func indexFlow(def models.FlowDefinition) (map[string]models.Node, map[string][]models.Edge) {
	nodes := make(map[string]models.Node, len(def.Nodes))
	for _, n := range def.Nodes {
		nodes[n.ID] = n
	}
	edges := make(map[string][]models.Edge)
	for _, e := range def.Edges {
		edges[e.Source] = append(edges[e.Source], e)
	}
	return nodes, edges
}

// resolveStart picks the starting node for this step: resume an options
// selection, resume any other paused node, or start a fresh walk at a
// matched trigger node. orderedNodes is passed separately from the nodes
// index because trigger selection must see nodes in the flow's own
// definition order — first keyword match wins, so the order is significant
// and a map range would make the choice nondeterministic.
func (e *Engine) resolveStart(sess *models.Session, orderedNodes []models.Node, nodes map[string]models.Node, edges map[string][]models.Edge, in InboundEvent) (string, bool, error) {
	if sess.Status == models.SessionPaused && sess.CurrentNodeID != nil {
		node, ok := nodes[*sess.CurrentNodeID]
		if !ok {
			return "", false, &validationError{nodeID: *sess.CurrentNodeID, reason: "paused session references a missing node"}
		}
		if node.Type == models.NodeOptions {
			return e.resolveOptionsResume(sess, node, edges, in)
		}
		return *sess.CurrentNodeID, false, nil
	}

	nodeID := trigger.SelectTriggerNode(in.Text, orderedNodes)
	if nodeID == "" {
		return "", true, nil
	}
	sess.Context["triggerMessage"] = in.Text
	return nodeID, false, nil
}

func (e *Engine) resolveOptionsResume(sess *models.Session, node models.Node, edges map[string][]models.Edge, in InboundEvent) (string, bool, error) {
	opts, err := validOptionsData(node)
	if err != nil {
		return "", false, err
	}

	matchedIndex := -1
	if in.InteractiveID != "" {
		for i, o := range opts {
			derived := outbound.ToLcUnderscore(o)
			if derived == "" {
				derived = "opt"
			}
			if derived == in.InteractiveID || fmt.Sprintf("opt-%d", i) == in.InteractiveID {
				matchedIndex = i
				break
			}
		}
	} else {
		want := strings.ToLower(strings.TrimSpace(in.Text))
		for i, o := range opts {
			if strings.ToLower(strings.TrimSpace(o)) == want {
				matchedIndex = i
				break
			}
		}
	}

	var matchedOption any
	handle := "no-match"
	if matchedIndex >= 0 {
		matchedOption = opts[matchedIndex]
		handle = fmt.Sprintf("opt-%d", matchedIndex)
	}
	sess.Context["optionIndex"] = matchedIndex
	sess.Context["matchedOption"] = matchedOption
	appendHistory(sess.Context, map[string]any{
		"direction":     "in",
		"kind":          "option-selection",
		"optionIndex":   matchedIndex,
		"matchedOption": matchedOption,
		"at":            nowISO(),
	})

	edge := findEdgeByHandle(edges[node.ID], handle)
	if edge == nil {
		return "", false, &validationError{nodeID: node.ID, reason: fmt.Sprintf("no edge for handle %q", handle)}
	}
	return edge.Target, false, nil
}

func findEdgeByHandle(candidates []models.Edge, handle string) *models.Edge {
	for i := range candidates {
		if candidates[i].SourceHandle != nil && *candidates[i].SourceHandle == handle {
			return &candidates[i]
		}
	}
	return nil
}

// loop is the bounded interpreter: a visited set and step counter guard
// against cycles and runaway graphs.
func (e *Engine) loop(ctx context.Context, r *run, sess *models.Session, nodes map[string]models.Node, edges map[string][]models.Edge, startNodeID string) error {
	visited := map[string]bool{}
	currentID := startNodeID
	steps := 0

	for {
		steps++
		if steps > maxSteps {
			return e.fail(sess, &validationError{nodeID: currentID, reason: "exceeded maximum step count"})
		}
		if visited[currentID] {
			return e.fail(sess, &validationError{nodeID: currentID, reason: "node revisited within one execution"})
		}
		visited[currentID] = true

		node, ok := nodes[currentID]
		if !ok {
			return e.fail(sess, &validationError{nodeID: currentID, reason: "references a missing node"})
		}

		sess.CurrentNodeID = &node.ID
		outcome, err := e.execNode(ctx, r, sess, node)
		if err != nil {
			return e.fail(sess, err)
		}

		if err := e.store.SaveSession(sess); err != nil {
			return err
		}

		if outcome.paused {
			sess.Status = models.SessionPaused
			return e.persistFinal(sess)
		}
		if outcome.completed {
			sess.Status = models.SessionCompleted
			sess.CurrentNodeID = nil
			return e.persistFinal(sess)
		}

		nextID, terminal := e.nextNode(node, edges, outcome)
		if terminal {
			sess.Status = models.SessionCompleted
			sess.CurrentNodeID = nil
			return e.persistFinal(sess)
		}
		currentID = nextID
	}
}

func (e *Engine) fail(sess *models.Session, err error) error {
	sess.Status = models.SessionErrored
	_ = e.store.SaveSession(sess)
	return err
}

func (e *Engine) persistFinal(sess *models.Session) error {
	return e.store.SaveSession(sess)
}

func (e *Engine) nextNode(node models.Node, edges map[string][]models.Edge, outcome stepOutcome) (string, bool) {
	if outcome.overrideNext != nil {
		return *outcome.overrideNext, false
	}
	candidates := edges[node.ID]
	if outcome.handle != "" {
		if edge := findEdgeByHandle(candidates, outcome.handle); edge != nil {
			return edge.Target, false
		}
		return "", true
	}
	if len(candidates) == 0 {
		return "", true
	}
	return candidates[0].Target, false
}

// stepOutcome is what one node's execution contributes toward picking the
// next node: either an explicit override (goto), a handle to match against
// outgoing edges (condition), or neither (use the first outgoing edge).
type stepOutcome struct {
	overrideNext *string
	handle       string
	paused       bool
	completed    bool
}

func (e *Engine) execNode(ctx context.Context, r *run, sess *models.Session, node models.Node) (stepOutcome, error) {
	switch node.Type {
	case models.NodeTrigger:
		return stepOutcome{}, nil

	case models.NodeMessage:
		return e.execMessage(ctx, r, sess, node)

	case models.NodeOptions:
		return e.execOptions(ctx, r, sess, node)

	case models.NodeDelay:
		seconds, err := validDelaySeconds(node)
		if err != nil {
			return stepOutcome{}, err
		}
		d := time.Duration(seconds) * time.Second
		if d > maxDelay {
			d = maxDelay
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return stepOutcome{}, ctx.Err()
		}
		return stepOutcome{}, nil

	case models.NodeCondition:
		expression, err := validConditionExpr(node)
		if err != nil {
			return stepOutcome{}, err
		}
		result, evalErr := expr.Eval(expression, sess.Context)
		if evalErr != nil {
			result = false
		}
		handle := "false"
		if result {
			handle = "true"
		}
		return stepOutcome{handle: handle}, nil

	case models.NodeAPI:
		return e.execAPI(ctx, r, sess, node)

	case models.NodeAssign:
		key, value, err := validAssignData(node)
		if err != nil {
			return stepOutcome{}, err
		}
		jsonpath.Set(sess.Context, key, template.Render(value, sess.Context))
		return stepOutcome{}, nil

	case models.NodeMedia:
		return e.execMedia(ctx, r, sess, node)

	case models.NodeWhatsAppFlow:
		return e.execWhatsAppFlow(ctx, r, sess, node)

	case models.NodeHandoff:
		if err := validHandoffData(node); err != nil {
			return stepOutcome{}, err
		}
		sess.Context["handoffQueue"] = str(node.Data, "queue")
		if note := str(node.Data, "note"); note != "" {
			sess.Context["handoffNote"] = note
		}
		return stepOutcome{paused: true}, nil

	case models.NodeGoto:
		target, err := validGotoData(node)
		if err != nil {
			return stepOutcome{}, err
		}
		return stepOutcome{overrideNext: &target}, nil

	case models.NodeEnd:
		sess.Context["endReason"] = endReason(node)
		return stepOutcome{completed: true}, nil
	}

	return stepOutcome{}, &validationError{nodeID: node.ID, reason: fmt.Sprintf("unknown node type %q", node.Type)}
}

func (e *Engine) execMessage(ctx context.Context, r *run, sess *models.Session, node models.Node) (stepOutcome, error) {
	if err := validMessageData(node); err != nil {
		return stepOutcome{}, err
	}

	if boolVal(node.Data, "useTemplate") {
		components := renderTemplateComponents(node.Data, sess.Context)
		req := outbound.SendRequest{
			To:                 r.phone,
			Variant:            outbound.VariantTemplate,
			TemplateName:       str(node.Data, "templateName"),
			TemplateLanguage:   str(node.Data, "templateLanguage"),
			TemplateComponents: components,
		}
		result, err := r.client.Send(ctx, req)
		if err != nil {
			return stepOutcome{}, &SendError{Status: result.Status, Message: result.Details}
		}
		recordOutbound(sess.Context, "out:template", map[string]any{"template": req.TemplateName})
		return stepOutcome{}, nil
	}

	text := template.Render(str(node.Data, "text"), sess.Context)
	req := outbound.SendRequest{To: r.phone, Variant: outbound.VariantText, Text: text}
	result, err := r.client.Send(ctx, req)
	if err != nil {
		return stepOutcome{}, &SendError{Status: result.Status, Message: result.Details}
	}
	recordOutbound(sess.Context, "out:text", map[string]any{"text": text})
	return stepOutcome{}, nil
}

// renderTemplateComponents builds outbound.TemplateComponent values,
// interpolating each parameter value and grouping by (type, subType, index)
// for message-node template sends.
func renderTemplateComponents(data map[string]any, sessCtx map[string]any) []outbound.TemplateComponent {
	rawComponents, _ := data["templateParameters"].([]any)
	type key struct {
		typ, sub string
		idx      *float64
	}
	order := []key{}
	grouped := map[key][]outbound.TemplateParameter{}

	for _, rc := range rawComponents {
		m, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		k := key{typ: strings.ToLower(str(m, "type")), sub: strings.ToLower(str(m, "subType"))}
		if idx, ok := numVal(m, "index"); ok {
			k.idx = &idx
		}
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		value := template.Render(str(m, "value"), sessCtx)
		grouped[k] = append(grouped[k], outbound.TemplateParameter{Type: "text", Text: value})
	}

	out := make([]outbound.TemplateComponent, 0, len(order))
	for _, k := range order {
		out = append(out, outbound.TemplateComponent{
			Type:       k.typ,
			SubType:    k.sub,
			Index:      k.idx,
			Parameters: grouped[k],
		})
	}
	return out
}

func (e *Engine) execOptions(ctx context.Context, r *run, sess *models.Session, node models.Node) (stepOutcome, error) {
	opts, err := validOptionsData(node)
	if err != nil {
		return stepOutcome{}, err
	}
	text := template.Render(str(node.Data, "text"), sess.Context)
	req := outbound.SendRequest{To: r.phone, Variant: outbound.VariantOptions, OptionsBody: text, Options: opts}
	result, sendErr := r.client.Send(ctx, req)
	if sendErr != nil {
		return stepOutcome{}, &SendError{Status: result.Status, Message: result.Details}
	}
	recordOutbound(sess.Context, "out:options", map[string]any{"text": text, "options": opts})
	return stepOutcome{paused: true}, nil
}

func (e *Engine) execMedia(ctx context.Context, r *run, sess *models.Session, node models.Node) (stepOutcome, error) {
	if err := validMediaData(node); err != nil {
		return stepOutcome{}, err
	}
	id := template.Render(str(node.Data, "id"), sess.Context)
	mediaURL := template.Render(str(node.Data, "url"), sess.Context)
	caption := template.Render(str(node.Data, "caption"), sess.Context)
	req := outbound.SendRequest{
		To:        r.phone,
		Variant:   outbound.VariantMedia,
		MediaType: outbound.MediaType(str(node.Data, "mediaType")),
		MediaID:   id,
		MediaURL:  mediaURL,
		Caption:   caption,
	}
	result, err := r.client.Send(ctx, req)
	if err != nil {
		return stepOutcome{}, &SendError{Status: result.Status, Message: result.Details}
	}
	recordOutbound(sess.Context, "out:media", map[string]any{"media": map[string]any{"id": id, "url": mediaURL, "caption": caption}})
	return stepOutcome{}, nil
}

func (e *Engine) execWhatsAppFlow(ctx context.Context, r *run, sess *models.Session, node models.Node) (stepOutcome, error) {
	if err := validWhatsAppFlowData(node); err != nil {
		return stepOutcome{}, err
	}
	body := template.Render(str(node.Data, "body"), sess.Context)
	if strings.TrimSpace(body) == "" {
		return stepOutcome{}, &SendError{Status: 400, Message: "whatsapp_flow body is empty after interpolation"}
	}
	if r.flow.MetaFlow.ID == "" || r.flow.MetaFlow.Token == "" {
		return stepOutcome{}, &SendError{Status: 400, Message: "flow is missing a Meta flow id/token"}
	}
	req := outbound.SendRequest{
		To:         r.phone,
		Variant:    outbound.VariantFlow,
		FlowID:     r.flow.MetaFlow.ID,
		FlowToken:  r.flow.MetaFlow.Token,
		FlowHeader: template.Render(str(node.Data, "header"), sess.Context),
		FlowFooter: template.Render(str(node.Data, "footer"), sess.Context),
		FlowCTA:    template.Render(str(node.Data, "cta"), sess.Context),
		FlowBody:   body,
	}
	result, err := r.client.Send(ctx, req)
	if err != nil {
		return stepOutcome{}, &SendError{Status: result.Status, Message: result.Details}
	}
	recordOutbound(sess.Context, "out:whatsapp_flow", map[string]any{"body": body})
	return stepOutcome{}, nil
}

func (e *Engine) execAPI(ctx context.Context, r *run, sess *models.Session, node models.Node) (stepOutcome, error) {
	data, err := validAPIData(node)
	if err != nil {
		return stepOutcome{}, err
	}

	renderedURL := template.Render(data.url, sess.Context)
	renderedBody := template.Render(data.body, sess.Context)

	var bodyReader io.Reader
	if data.method != "GET" && data.method != "HEAD" && renderedBody != "" {
		bodyReader = strings.NewReader(renderedBody)
	}

	reqCtx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, data.method, renderedURL, bodyReader)
	result := map[string]any{}
	if err == nil {
		for k, v := range data.headers {
			httpReq.Header.Set(k, template.Render(v, sess.Context))
		}
		resp, doErr := e.httpClient.Do(httpReq)
		if doErr != nil {
			result = map[string]any{"error": "API call failed"}
		} else {
			defer resp.Body.Close()
			raw, _ := io.ReadAll(resp.Body)
			var parsed any
			if jsonErr := json.Unmarshal(raw, &parsed); jsonErr == nil {
				if m, ok := parsed.(map[string]any); ok {
					result = m
				} else {
					result = map[string]any{"value": parsed}
				}
			} else {
				result = map[string]any{"value": string(raw)}
			}
		}
	} else {
		result = map[string]any{"error": "API call failed"}
	}

	jsonpath.Set(sess.Context, data.assignTo, result)
	return stepOutcome{}, nil
}

