package outbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	prev := metaBaseURL
	SetBaseURL(srv.URL)
	t.Cleanup(func() {
		srv.Close()
		SetBaseURL(prev)
	})
	return srv
}

func TestSendTextSuccess(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v23.0/PNID/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "text", body["type"])
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{{"id": "wamid.123"}},
		})
	})

	c := NewClient("PNID", "tok")
	res, err := c.Send(context.Background(), SendRequest{To: "+1 (555) 123-4567", Variant: VariantText, Text: "hi"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "wamid.123", res.MessageID)
}

func TestSendInvalidRecipientPhone(t *testing.T) {
	c := NewClient("PNID", "tok")
	res, err := c.Send(context.Background(), SendRequest{To: "not-a-phone!!", Variant: VariantText, Text: "hi"})
	assert.Error(t, err)
	assert.Equal(t, 400, res.Status)
}

func TestSendAllowListRecoveryRetries(t *testing.T) {
	var calls int32
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v23.0/PNID/messages":
			n := atomic.AddInt32(&calls, 1)
			if n == 1 {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"code": 131030, "message": "recipient not in allowed list"},
				})
				return
			}
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{"messages": []map[string]any{{"id": "wamid.retry"}}})
		case "/v23.0/PNID/recipients":
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	c := NewClient("PNID", "tok")
	res, err := c.Send(context.Background(), SendRequest{To: "15551234567", Variant: VariantText, Text: "hi"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "wamid.retry", res.MessageID)
}

func TestSendClassifiesExpiredAccessToken(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": 190, "message": "Session has expired"},
		})
	})

	c := NewClient("PNID", "tok")
	res, err := c.Send(context.Background(), SendRequest{To: "15551234567", Variant: VariantText, Text: "hi"})
	assert.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, accessTokenError, res.Details)
}

func TestBuildPayloadOptionsVariant(t *testing.T) {
	payload, err := buildPayload("15551234567", SendRequest{
		Variant:     VariantOptions,
		OptionsBody: "Pick one",
		Options:     []string{"Yes", "No", "Maybe", "Extra"},
	})
	require.NoError(t, err)
	interactive := payload["interactive"].(map[string]any)
	buttons := interactive["action"].(map[string]any)["buttons"].([]map[string]any)
	assert.Len(t, buttons, 3)
	assert.Equal(t, "yes", buttons[0]["reply"].(map[string]any)["id"])
}

func TestBuildPayloadMediaRequiresIDOrURL(t *testing.T) {
	_, err := buildPayload("15551234567", SendRequest{Variant: VariantMedia, MediaType: MediaImage})
	assert.Error(t, err)
}

func TestBuildPayloadFlowRequiresBody(t *testing.T) {
	_, err := buildPayload("15551234567", SendRequest{
		Variant:   VariantFlow,
		FlowID:    "f1",
		FlowToken: "t1",
	})
	assert.Error(t, err)
}

func TestBuildPayloadFlowIncludesVersion(t *testing.T) {
	payload, err := buildPayload("15551234567", SendRequest{
		Variant:     VariantFlow,
		FlowID:      "f1",
		FlowToken:   "t1",
		FlowVersion: "3",
		FlowBody:    "hello",
	})
	require.NoError(t, err)
	interactive := payload["interactive"].(map[string]any)
	params := interactive["action"].(map[string]any)["parameters"].(map[string]any)
	assert.Equal(t, map[string]any{"version": "3"}, params["flow_action_payload"])
}

func TestBuildPayloadTemplateDropsNonTextParameters(t *testing.T) {
	payload, err := buildPayload("15551234567", SendRequest{
		Variant:          VariantTemplate,
		TemplateName:     "hello_world",
		TemplateLanguage: "en_US",
		TemplateComponents: []TemplateComponent{
			{Type: "body", Parameters: []TemplateParameter{
				{Type: "text", Text: "Ada"},
				{Type: "currency", Text: "ignored"},
			}},
		},
	})
	require.NoError(t, err)
	tmpl := payload["template"].(map[string]any)
	components := tmpl["components"].([]map[string]any)
	params := components[0]["parameters"].([]map[string]any)
	assert.Len(t, params, 1)
	assert.Equal(t, "Ada", params[0]["text"])
}

func TestCanonicalPhoneStripsNonDigits(t *testing.T) {
	assert.Equal(t, "15551234567", CanonicalPhone("+1 (555) 123-4567"))
}

func TestToLcUnderscore(t *testing.T) {
	assert.Equal(t, "hello_world", ToLcUnderscore("  Hello   World  "))
}
