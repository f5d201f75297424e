package integration

import (
	"net/http"
	"strings"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	resp := getURL(t, testEnv.BaseURL()+"/healthz")
	expectStatus(t, resp, http.StatusOK)

	body := readBody(t, resp)
	if !strings.Contains(body, "ok") {
		t.Errorf("body = %q, want to contain 'ok'", body)
	}
}

func TestReadyEndpoint(t *testing.T) {
	resp := getURL(t, testEnv.BaseURL()+"/readyz")
	expectStatus(t, resp, http.StatusOK)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, resp, &body)
	if body.Status != "ok" || body.Checks["storage"] != "ok" {
		t.Errorf("readyz = %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	doJSON(t, http.MethodGet, "/v1/mcp/servers", "", nil).Body.Close()

	resp := getURL(t, testEnv.BaseURL()+"/metrics")
	expectStatus(t, resp, http.StatusOK)

	body := readBody(t, resp)
	for _, metric := range []string{"mcpconnect_requests_total", "mcpconnect_connection_state"} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics output missing %s", metric)
		}
	}
}
