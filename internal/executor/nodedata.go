package executor

import (
	"fmt"
	"net/url"
	"strings"

	"flowcast/internal/models"
)

// validationError marks a node-data contract violation; the executor
// treats it as a send/validation failure that errors the session rather
// than advancing.
type validationError struct {
	nodeID string
	reason string
}

func (e *validationError) Error() string {
	return fmt.Sprintf("executor: node %q invalid: %s", e.nodeID, e.reason)
}

func invalid(nodeID, reason string) error { return &validationError{nodeID: nodeID, reason: reason} }

func str(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

func boolVal(data map[string]any, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func numVal(data map[string]any, key string) (float64, bool) {
	v, ok := data[key].(float64)
	return v, ok
}

func validMessageData(n models.Node) error {
	d := n.Data
	if boolVal(d, "useTemplate") {
		if str(d, "templateName") == "" || str(d, "templateLanguage") == "" {
			return invalid(n.ID, "template message requires non-empty templateName and templateLanguage")
		}
		return nil
	}
	text := str(d, "text")
	if text == "" || len(text) > 4096 {
		return invalid(n.ID, "text message requires non-empty text of at most 4096 characters")
	}
	return nil
}

func optionsList(d map[string]any) ([]string, bool) {
	raw, _ := d["options"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func validOptionsData(n models.Node) ([]string, error) {
	opts, ok := optionsList(n.Data)
	if !ok || len(opts) < 2 || len(opts) > 10 {
		return nil, invalid(n.ID, "options requires 2-10 entries")
	}
	for _, o := range opts {
		if len(o) < 1 || len(o) > 30 {
			return nil, invalid(n.ID, "each option must be 1-30 characters")
		}
	}
	return opts, nil
}

func validDelaySeconds(n models.Node) (int, error) {
	f, ok := numVal(n.Data, "seconds")
	if !ok || f < 1 || f > 3600 {
		return 0, invalid(n.ID, "delay requires seconds in [1, 3600]")
	}
	return int(f), nil
}

func validConditionExpr(n models.Node) (string, error) {
	expr := str(n.Data, "expression")
	if len(expr) < 1 || len(expr) > 500 {
		return "", invalid(n.ID, "condition requires a 1-500 character expression")
	}
	return expr, nil
}

var validAPIMethods = map[string]bool{"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true}

type apiNodeData struct {
	url      string
	method   string
	headers  map[string]string
	body     string
	assignTo string
}

func validAPIData(n models.Node) (apiNodeData, error) {
	raw := str(n.Data, "url")
	if _, err := url.ParseRequestURI(raw); err != nil || raw == "" {
		return apiNodeData{}, invalid(n.ID, "api requires a valid url")
	}
	method := strings.ToUpper(str(n.Data, "method"))
	if method == "" {
		method = "GET"
	}
	if !validAPIMethods[method] {
		return apiNodeData{}, invalid(n.ID, "api method must be one of GET,POST,PUT,PATCH,DELETE")
	}
	headers := map[string]string{}
	if hm, ok := n.Data["headers"].(map[string]any); ok {
		for k, v := range hm {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}
	assignTo := str(n.Data, "assignTo")
	if assignTo == "" {
		assignTo = "apiResult"
	}
	return apiNodeData{url: raw, method: method, headers: headers, body: str(n.Data, "body"), assignTo: assignTo}, nil
}

func validAssignData(n models.Node) (string, string, error) {
	key := str(n.Data, "key")
	value := str(n.Data, "value")
	if len(key) < 1 || len(key) > 50 {
		return "", "", invalid(n.ID, "assign requires a 1-50 character key")
	}
	if len(value) > 500 {
		return "", "", invalid(n.ID, "assign value must be at most 500 characters")
	}
	return key, value, nil
}

var validMediaTypes = map[string]bool{"image": true, "video": true, "audio": true, "document": true}

func validMediaData(n models.Node) error {
	mt := str(n.Data, "mediaType")
	if !validMediaTypes[mt] {
		return invalid(n.ID, "media requires a valid mediaType")
	}
	mediaURL := str(n.Data, "url")
	if mediaURL == "" && str(n.Data, "id") == "" {
		return invalid(n.ID, "media requires either url or id")
	}
	if mediaURL != "" {
		if _, err := url.ParseRequestURI(mediaURL); err != nil {
			return invalid(n.ID, "media url must be a valid URL")
		}
	}
	return nil
}

func validWhatsAppFlowData(n models.Node) error {
	body := str(n.Data, "body")
	if len(body) < 1 || len(body) > 1024 {
		return invalid(n.ID, "whatsapp_flow requires a 1-1024 character body")
	}
	if len(str(n.Data, "header")) > 60 || len(str(n.Data, "footer")) > 60 || len(str(n.Data, "cta")) > 40 {
		return invalid(n.ID, "whatsapp_flow header/footer/cta exceed their length limits")
	}
	return nil
}

func validHandoffData(n models.Node) error {
	if str(n.Data, "queue") == "" {
		return invalid(n.ID, "handoff requires a non-empty queue")
	}
	if len(str(n.Data, "note")) > 500 {
		return invalid(n.ID, "handoff note must be at most 500 characters")
	}
	return nil
}

func validGotoData(n models.Node) (string, error) {
	target := str(n.Data, "targetNodeId")
	if target == "" {
		return "", invalid(n.ID, "goto requires a non-empty targetNodeId")
	}
	return target, nil
}

func endReason(n models.Node) string {
	if r := str(n.Data, "reason"); r != "" {
		return r
	}
	return "end"
}
