package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/diag_collect_engine/pkg/config"
	"github.com/haolipeng/diag_collect_engine/pkg/engine"
	"github.com/haolipeng/diag_collect_engine/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *engine.Engine, string) {
	t.Helper()
	base := t.TempDir()
	rulesDir := filepath.Join(base, "rules")
	require.NoError(t, os.MkdirAll(rulesDir, 0755))

	cfg := &config.Config{}
	cfg.Channel.Mode = "listen"
	cfg.Channel.ListenSocket = filepath.Join(base, "engine.sock")
	cfg.Channel.HandshakeTimeout = types.Duration(time.Second)
	cfg.Engine.BufferSize = 16
	cfg.Rules.Directory = rulesDir
	cfg.Action.DefaultTimeout = types.Duration(5 * time.Second)
	cfg.Egress = map[string]config.EgressConfig{
		"local": {Type: "file", Directory: filepath.Join(base, "artifacts")},
	}
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = "0"

	eng, err := engine.NewEngine(cfg)
	require.NoError(t, err)

	server := NewServer(cfg)
	server.RegisterStatusService(NewStatusService(eng))
	server.RegisterRuleService(NewRuleService(eng))
	return server, eng, rulesDir
}

func doRequest(server *Server, method, path, contentType, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	server.GetEcho().ServeHTTP(rec, req)
	return rec
}

// 测试引擎状态端点
func TestGetEngineStatus(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(server, http.MethodGet, "/engine/status", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusOK, resp.Code)
}

// 测试规则重载端点与规则集查询
func TestReloadAndGetRules(t *testing.T) {
	server, _, rulesDir := newTestServer(t)

	require.NoError(t, os.WriteFile(filepath.Join(rulesDir, "r.yaml"), []byte(`
name: api-rule
trigger:
  type: Startup
actions:
  - type: CollectDump
    egress: local
limits:
  action_count: 1
`), 0644))

	rec := doRequest(server, http.MethodPost, "/collectionRules/reload", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(server, http.MethodGet, "/collectionRules", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "api-rule")
}

// 测试规则预检端点：合法与非法规则
func TestValidateRuleEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(server, http.MethodPost, "/collectionRules/validate", "application/x-yaml", `
name: candidate
trigger:
  type: CounterThreshold
  provider: System.Runtime
  counter: gc-pause
  comparator: ">="
  value: 100
actions:
  - type: CollectTrace
    egress: local
limits:
  action_count: 1
`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "candidate")

	// json格式
	rec = doRequest(server, http.MethodPost, "/collectionRules/validate", "application/json",
		`{"name":"j","trigger":{"type":"Startup"},"actions":[{"type":"CollectDump","egress":"local"}],"limits":{"action_count":1}}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	// 非法触发器类型
	rec = doRequest(server, http.MethodPost, "/collectionRules/validate", "application/x-yaml", `
name: bad
trigger:
  type: Nope
actions:
  - type: CollectDump
    egress: local
limits:
  action_count: 1
`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 空请求体
	rec = doRequest(server, http.MethodPost, "/collectionRules/validate", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// 测试实例查询端点：不存在的实例返回404，pid非法返回400
func TestGetInstanceEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(server, http.MethodGet, "/collectionRules/instances", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(server, http.MethodGet, "/collectionRules/instances/nope/123", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(server, http.MethodGet, "/collectionRules/instances/nope/abc", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
