package mockagent

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func postJSON(t *testing.T, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data
}

func TestLoginAuthDisabled(t *testing.T) {
	srv := httptest.NewServer(New(Options{AuthEnabled: false}).Handler())
	defer srv.Close()

	resp, data := postJSON(t, srv.URL+"/api/auth/login", map[string]string{"username": "x", "password": "y"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["access_token"] != "disabled" {
		t.Fatalf("access_token = %q, want disabled sentinel", out["access_token"])
	}
}

func TestAuthFlow(t *testing.T) {
	srv := httptest.NewServer(New(Options{
		AuthEnabled:   true,
		AdminUsername: "admin",
		AdminPassword: "secret",
	}).Handler())
	defer srv.Close()

	// 错误密码
	resp, data := postJSON(t, srv.URL+"/api/auth/login", map[string]string{"username": "admin", "password": "nope"}, nil)
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(string(data), "Unauthorized") {
		t.Fatalf("bad login: status=%d body=%s", resp.StatusCode, data)
	}

	// 无 token 发起 turn
	resp, data = postJSON(t, srv.URL+"/api/chat", map[string]string{"query": "list tables"}, nil)
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(string(data), "Unauthorized") {
		t.Fatalf("unauthenticated chat: status=%d body=%s", resp.StatusCode, data)
	}

	// 正常登录
	resp, data = postJSON(t, srv.URL+"/api/auth/login", map[string]string{"username": "admin", "password": "secret"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}
	var login map[string]string
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("decode: %v", err)
	}
	token := login["access_token"]
	if token == "" || token == "disabled" {
		t.Fatalf("access_token = %q, want issued token", token)
	}

	// 带 token 发起 turn
	resp, data = postJSON(t, srv.URL+"/api/chat", map[string]string{"query": "list tables"},
		map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d body=%s, want 200", resp.StatusCode, data)
	}
	var init map[string]string
	if err := json.Unmarshal(data, &init); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if init["session_id"] == "" || !strings.HasPrefix(init["stream_url"], "/api/chat/stream/") {
		t.Fatalf("init response = %v", init)
	}

	// 流通道鉴权走查询参数
	resp, err := http.Get(srv.URL + init["stream_url"])
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("tokenless stream status = %d, want 401", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + init["stream_url"] + "?token=" + token)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"type":"done"`) {
		t.Fatalf("stream body missing done frame: %s", body)
	}

	// pending turn 只能被认领一次
	resp, err = http.Get(srv.URL + init["stream_url"] + "?token=" + token)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second claim status = %d, want 404", resp.StatusCode)
	}
}

func TestScriptedPipelineShape(t *testing.T) {
	srv := httptest.NewServer(New(Options{}).Handler())
	defer srv.Close()

	resp, data := postJSON(t, srv.URL+"/api/chat", map[string]string{"query": "count users"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d", resp.StatusCode)
	}
	var init map[string]string
	if err := json.Unmarshal(data, &init); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, err := http.Get(srv.URL + init["stream_url"])
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	text := string(body)
	for _, marker := range []string{
		`"type":"thinking"`, `"type":"tool_call"`, `"type":"sql"`,
		`"type":"executing"`, `"type":"result"`, `"type":"token"`, `"type":"done"`,
		"SELECT count(*) AS n FROM users",
	} {
		if !strings.Contains(text, marker) {
			t.Fatalf("stream missing %s:\n%s", marker, text)
		}
	}

	// 空 query 拒绝
	resp, _ = postJSON(t, srv.URL+"/api/chat", map[string]string{"query": "   "}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank query status = %d, want 400", resp.StatusCode)
	}
}

func TestSchemaEndpoints(t *testing.T) {
	srv := httptest.NewServer(New(Options{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/schema")
	if err != nil {
		t.Fatalf("schema list: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	var tables []map[string]any
	if err := json.Unmarshal(data, &tables); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tables) != 3 {
		t.Fatalf("tables = %d, want 3", len(tables))
	}

	resp, err = http.Get(srv.URL + "/api/schema/users")
	if err != nil {
		t.Fatalf("schema detail: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detail status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/schema/ghosts")
	if err != nil {
		t.Fatalf("schema detail: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown table status = %d, want 404", resp.StatusCode)
	}
}
