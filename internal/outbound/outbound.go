// Package outbound implements the outbound WhatsApp message builder:
// translating a high-level SendRequest into a Meta Graph API `/messages`
// POST, classifying failures, and recovering from
// recipient-not-allowed errors via automatic allow-list enrollment.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const (
	graphAPIVersion  = "v23.0"
	defaultTimeout   = 15 * time.Second
	accessTokenError = "Your WhatsApp connection has expired. Please reconnect your account."
)

var metaBaseURL = "https://graph.facebook.com"

// SetBaseURL overrides the Meta Graph API base URL; exported for tests to
// point at an httptest.Server.
func SetBaseURL(url string) { metaBaseURL = url }

var digitsOnly = regexp.MustCompile(`\D`)

// CanonicalPhone strips everything but digits from a phone number.
func CanonicalPhone(phone string) string {
	return digitsOnly.ReplaceAllString(phone, "")
}

// MediaType enumerates the allowed outbound media kinds.
type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
)

var validMediaTypes = map[MediaType]bool{MediaImage: true, MediaVideo: true, MediaAudio: true, MediaDocument: true}

// Variant identifies which Meta payload shape to build.
type Variant string

const (
	VariantText     Variant = "text"
	VariantMedia    Variant = "media"
	VariantOptions  Variant = "options"
	VariantList     Variant = "list"
	VariantFlow     Variant = "flow"
	VariantTemplate Variant = "template"
)

// TemplateParameter is one {{n}}-style template component parameter.
type TemplateParameter struct {
	Type string
	Text string
}

// TemplateComponent groups parameters by (type, subType, index) as required
// by the message-node template send path.
type TemplateComponent struct {
	Type       string
	SubType    string
	Index      *float64
	Parameters []TemplateParameter
}

// ListSection is a section of a `list` interactive message. Not reachable
// from the flow executor — the variant is retained only for external
// callers — but implemented here for API completeness.
type ListSection struct {
	Title string
	Rows  []ListRow
}

type ListRow struct {
	ID          string
	Title       string
	Description string
}

// SendRequest is the high-level, channel-agnostic send instruction the
// executor and external callers build.
type SendRequest struct {
	To      string
	Variant Variant

	// text
	Text string

	// media
	MediaType MediaType
	MediaID   string
	MediaURL  string
	Caption   string

	// options
	OptionsBody string
	Options     []string

	// list
	ListBody        string
	ListButtonLabel string
	ListSections    []ListSection

	// flow
	FlowID      string
	FlowToken   string
	FlowVersion string
	FlowHeader  string
	FlowFooter  string
	FlowCTA     string
	FlowBody    string

	// template
	TemplateName       string
	TemplateLanguage   string
	TemplateComponents []TemplateComponent

	allowListAttempted bool
}

// SendMessageResult carries the outcome of a successful or failed send.
type SendMessageResult struct {
	Success        bool
	MessageID      string
	ConversationID string
	Status         int
	Details        string
}

// Client talks to the Meta Graph API for one tenant's phone number.
type Client struct {
	PhoneNumberID string
	AccessToken   string

	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewClient constructs a Client whose Meta calls are wrapped in a circuit
// breaker: three consecutive failures trip it open for 30s, after which a
// single trial request is allowed through. Grounded on
// jordigilh-kubernaut's circuitbreaker.NewManager(gobreaker.Settings{...})
// wiring around its own external notification calls.
func NewClient(phoneNumberID, accessToken string) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "meta-graph-" + phoneNumberID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Client{
		PhoneNumberID: phoneNumberID,
		AccessToken:   accessToken,
		httpClient:    &http.Client{Timeout: defaultTimeout},
		breaker:       cb,
	}
}

// Send builds and dispatches req, recovering from allow-list rejections.
func (c *Client) Send(ctx context.Context, req SendRequest) (SendMessageResult, error) {
	canonical := CanonicalPhone(req.To)
	if canonical == "" {
		return SendMessageResult{Status: 400, Details: "invalid recipient phone number"}, fmt.Errorf("outbound: invalid phone %q", req.To)
	}

	payload, err := buildPayload(canonical, req)
	if err != nil {
		return SendMessageResult{Status: 400, Details: err.Error()}, err
	}

	result, metaErr := c.post(ctx, "/messages", payload)
	if metaErr == nil {
		return result, nil
	}

	if result.Status == 400 && metaErr.code == 131030 && !req.allowListAttempted {
		if enrollErr := c.enroll(ctx, canonical); enrollErr == nil {
			retryReq := req
			retryReq.allowListAttempted = true
			return c.Send(ctx, retryReq)
		}
	}

	details := classify(result.Status, metaErr.message)
	return SendMessageResult{Success: false, Status: result.Status, Details: details}, fmt.Errorf("outbound: send failed: %s", details)
}

// metaAPIError captures the parsed Meta error envelope.
type metaAPIError struct {
	code    int
	message string
}

func classify(status int, message string) string {
	lower := strings.ToLower(message)
	if status == 401 || ((status == 400 || status == 403) && (strings.Contains(lower, "access token") || strings.Contains(lower, "session has expired"))) {
		return accessTokenError
	}
	return message
}

// post executes an authenticated POST against path, wrapped in the circuit
// breaker, returning the decoded success body or a classified metaAPIError.
func (c *Client) post(ctx context.Context, path string, payload map[string]any) (SendMessageResult, *metaAPIError) {
	body, _ := json.Marshal(payload)

	raw, breakerErr := c.breaker.Execute(func() (any, error) {
		return c.doPost(ctx, path, body)
	})
	if breakerErr == gobreaker.ErrOpenState || breakerErr == gobreaker.ErrTooManyRequests {
		return SendMessageResult{Status: 503}, &metaAPIError{message: "meta graph api circuit breaker open"}
	}
	if breakerErr != nil {
		if resp, ok := raw.(rawResponse); ok {
			return SendMessageResult{Status: resp.status}, parseMetaError(resp)
		}
		return SendMessageResult{}, &metaAPIError{message: breakerErr.Error()}
	}

	resp := raw.(rawResponse)
	var parsed struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		Contacts []struct {
			WaID string `json:"wa_id"`
		} `json:"contacts"`
	}
	_ = json.Unmarshal(resp.body, &parsed)

	result := SendMessageResult{Success: true, Status: resp.status}
	if len(parsed.Messages) > 0 {
		result.MessageID = parsed.Messages[0].ID
	}
	return result, nil
}

type rawResponse struct {
	status int
	body   []byte
}

// doPost is the gobreaker-tracked unit of work: success is any 2xx, failure
// is everything else (non-2xx Meta responses count as breaker failures the
// same as network/timeout errors).
func (c *Client) doPost(ctx context.Context, path string, body []byte) (rawResponse, error) {
	url := fmt.Sprintf("%s/%s/%s%s", metaBaseURL, graphAPIVersion, c.PhoneNumberID, path)
	reqCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return rawResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return rawResponse{}, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	out := rawResponse{status: resp.StatusCode, body: respBody}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, fmt.Errorf("outbound: meta returned status %d", resp.StatusCode)
	}
	return out, nil
}

func parseMetaError(resp rawResponse) *metaAPIError {
	var env struct {
		Error struct {
			Message     string `json:"message"`
			UserMsg     string `json:"error_user_msg"`
			Code        int    `json:"code"`
			FBTraceID   string `json:"fbtrace_id"`
		} `json:"error"`
	}
	_ = json.Unmarshal(resp.body, &env)

	msg := env.Error.UserMsg
	if msg == "" {
		msg = env.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.status)
	}
	if msg == "" {
		msg = string(resp.body)
	}
	return &metaAPIError{code: env.Error.Code, message: msg}
}

// enroll attempts the /recipients allow-list POST, falling back to
// /registered_whatsapp_users on the "unknown path" class of error.
func (c *Client) enroll(ctx context.Context, canonicalPhone string) error {
	payload := map[string]any{"messaging_product": "whatsapp", "to": canonicalPhone}
	body, _ := json.Marshal(payload)

	resp, err := c.doPost(ctx, "/recipients", body)
	if err == nil {
		return nil
	}
	if resp.status == 400 || resp.status == 404 {
		lower := strings.ToLower(string(resp.body))
		if strings.Contains(lower, "unknown path components") || strings.Contains(lower, "unsupported post request") {
			_, fallbackErr := c.doPost(ctx, "/registered_whatsapp_users", body)
			return fallbackErr
		}
	}
	return err
}

func buildPayload(to string, req SendRequest) (map[string]any, error) {
	base := map[string]any{"messaging_product": "whatsapp", "to": to}

	switch req.Variant {
	case VariantText:
		base["type"] = "text"
		base["text"] = map[string]any{"body": req.Text, "preview_url": false}

	case VariantMedia:
		if !validMediaTypes[req.MediaType] {
			return nil, fmt.Errorf("outbound: invalid media type %q", req.MediaType)
		}
		if req.MediaID == "" && req.MediaURL == "" {
			return nil, fmt.Errorf("outbound: media requires id or url")
		}
		media := map[string]any{}
		if req.MediaID != "" {
			media["id"] = req.MediaID
		} else {
			media["link"] = req.MediaURL
		}
		if req.Caption != "" {
			media["caption"] = req.Caption
		}
		base["type"] = string(req.MediaType)
		base[string(req.MediaType)] = media

	case VariantOptions:
		opts := req.Options
		if len(opts) > 3 {
			opts = opts[:3]
		}
		buttons := make([]map[string]any, 0, len(opts))
		for _, o := range opts {
			id := toLcUnderscore(o)
			if id == "" {
				id = "opt"
			}
			buttons = append(buttons, map[string]any{
				"type":  "reply",
				"reply": map[string]any{"id": id, "title": o},
			})
		}
		base["type"] = "interactive"
		base["interactive"] = map[string]any{
			"type": "button",
			"body": map[string]any{"text": req.OptionsBody},
			"action": map[string]any{
				"buttons": buttons,
			},
		}

	case VariantList:
		sections := make([]map[string]any, 0, len(req.ListSections))
		for _, s := range req.ListSections {
			rows := make([]map[string]any, 0, len(s.Rows))
			for _, r := range s.Rows {
				rows = append(rows, map[string]any{"id": r.ID, "title": r.Title, "description": r.Description})
			}
			sections = append(sections, map[string]any{"title": s.Title, "rows": rows})
		}
		base["type"] = "interactive"
		base["interactive"] = map[string]any{
			"type": "list",
			"body": map[string]any{"text": req.ListBody},
			"action": map[string]any{
				"button":   req.ListButtonLabel,
				"sections": sections,
			},
		}

	case VariantFlow:
		if req.FlowID == "" || req.FlowToken == "" {
			return nil, fmt.Errorf("outbound: flow send requires id and token")
		}
		if strings.TrimSpace(req.FlowBody) == "" {
			return nil, fmt.Errorf("outbound: flow send requires non-empty body")
		}
		flowParams := map[string]any{
			"flow_message_version": "3",
			"flow_id":               req.FlowID,
			"flow_token":            req.FlowToken,
		}
		if req.FlowVersion != "" {
			flowParams["flow_action_payload"] = map[string]any{"version": req.FlowVersion}
		}
		interactive := map[string]any{
			"type":            "flow",
			"body":            map[string]any{"text": req.FlowBody},
			"action":          map[string]any{"name": "flow", "parameters": flowParams},
		}
		if req.FlowHeader != "" {
			interactive["header"] = map[string]any{"type": "text", "text": req.FlowHeader}
		}
		if req.FlowFooter != "" {
			interactive["footer"] = map[string]any{"text": req.FlowFooter}
		}
		if req.FlowCTA != "" {
			flowParams["flow_cta"] = req.FlowCTA
		}
		base["type"] = "interactive"
		base["interactive"] = interactive

	case VariantTemplate:
		if req.TemplateName == "" || req.TemplateLanguage == "" {
			return nil, fmt.Errorf("outbound: template send requires name and language")
		}
		components := make([]map[string]any, 0, len(req.TemplateComponents))
		for _, comp := range req.TemplateComponents {
			entry := map[string]any{"type": strings.ToLower(comp.Type)}
			if comp.SubType != "" {
				entry["sub_type"] = strings.ToLower(comp.SubType)
			}
			if comp.Index != nil && isFinite(*comp.Index) {
				entry["index"] = *comp.Index
			}
			params := make([]map[string]any, 0, len(comp.Parameters))
			for _, p := range comp.Parameters {
				if p.Type != "text" {
					continue
				}
				params = append(params, map[string]any{"type": "text", "text": p.Text})
			}
			entry["parameters"] = params
			components = append(components, entry)
		}
		base["type"] = "template"
		base["template"] = map[string]any{
			"name":     req.TemplateName,
			"language": map[string]any{"code": req.TemplateLanguage},
			"components": components,
		}

	default:
		return nil, fmt.Errorf("outbound: unknown variant %q", req.Variant)
	}

	return base, nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func toLcUnderscore(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return whitespaceRun.ReplaceAllString(s, "_")
}

// ToLcUnderscore is exported for the executor's options-resume matching,
// which must derive the same id independently of a live send.
func ToLcUnderscore(s string) string { return toLcUnderscore(s) }
