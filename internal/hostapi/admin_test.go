package hostapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectias/sandboxcore/internal/capability"
)

func TestAdminHandlePendingListsTickets(t *testing.T) {
	caps := capability.NewManager(nil)
	admin := newAdminServer(nil, caps)
	srv := httptest.NewServer(admin.router())
	defer srv.Close()

	_, err := caps.Request(nil, "plugin-a", []capability.Capability{capability.NetHTTP})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/v1/permissions/pending")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Pending []map[string]interface{} `json:"pending"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Pending, 1)
	assert.Equal(t, "plugin-a", body.Pending[0]["plugin_id"])
}

func TestAdminHandleGrantResolvesCapability(t *testing.T) {
	caps := capability.NewManager(nil)
	admin := newAdminServer(nil, caps)
	srv := httptest.NewServer(admin.router())
	defer srv.Close()

	_, err := caps.Request(nil, "plugin-a", []capability.Capability{capability.NetHTTP})
	require.NoError(t, err)

	url := srv.URL + "/v1/permissions/plugin-a/NET_HTTP/grant"
	resp, err := http.Post(url, "application/json", strings.NewReader(`{"granted": true, "granted_by": "tester"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.True(t, caps.IsGranted("plugin-a", capability.NetHTTP))
	assert.Empty(t, caps.PendingRequests())
}

func TestAdminHandleGrantRejectsMalformedBody(t *testing.T) {
	caps := capability.NewManager(nil)
	admin := newAdminServer(nil, caps)
	srv := httptest.NewServer(admin.router())
	defer srv.Close()

	url := srv.URL + "/v1/permissions/plugin-a/NET_HTTP/grant"
	resp, err := http.Post(url, "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminStreamBroadcastsPermissionEvents(t *testing.T) {
	caps := capability.NewManager(nil)
	admin := newAdminServer(nil, caps)
	srv := httptest.NewServer(admin.router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/permissions/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		admin.mu.Lock()
		n := len(admin.clients)
		admin.mu.Unlock()
		return n == 1
	}, time.Second, 10*time.Millisecond)

	admin.broadcast(permissionEvent{PluginID: "plugin-a", Capabilities: []capability.Capability{capability.NetHTTP}})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev permissionEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "plugin-a", ev.PluginID)
	assert.Equal(t, []capability.Capability{capability.NetHTTP}, ev.Capabilities)
}

type fakeExporter struct {
	container []byte
	uploadRef string
	err       error
}

func (f *fakeExporter) ExportPlugin(pluginID, passphrase string) ([]byte, string, error) {
	return f.container, f.uploadRef, f.err
}

func TestAdminHandleExportReturnsContainer(t *testing.T) {
	caps := capability.NewManager(nil)
	admin := newAdminServer(nil, caps)
	admin.export = &fakeExporter{container: []byte("container-bytes"), uploadRef: "exports/demo/1.gdpr"}
	srv := httptest.NewServer(admin.router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/plugins/demo/export", "application/json", strings.NewReader(`{"passphrase": "correct horse battery staple"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "exports/demo/1.gdpr", resp.Header.Get("X-Export-Upload-Ref"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("container-bytes"), body)
}

func TestAdminHandleExportRequiresPassphrase(t *testing.T) {
	caps := capability.NewManager(nil)
	admin := newAdminServer(nil, caps)
	admin.export = &fakeExporter{container: []byte("x")}
	srv := httptest.NewServer(admin.router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/plugins/demo/export", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminHandleExportUnconfiguredReturnsServiceUnavailable(t *testing.T) {
	caps := capability.NewManager(nil)
	admin := newAdminServer(nil, caps)
	srv := httptest.NewServer(admin.router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/plugins/demo/export", "application/json", strings.NewReader(`{"passphrase": "pw"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAdminBroadcastDropsDeadClients(t *testing.T) {
	caps := capability.NewManager(nil)
	admin := newAdminServer(nil, caps)
	srv := httptest.NewServer(admin.router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/permissions/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		admin.mu.Lock()
		n := len(admin.clients)
		admin.mu.Unlock()
		return n == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		admin.broadcast(permissionEvent{PluginID: "plugin-a"})
		admin.mu.Lock()
		n := len(admin.clients)
		admin.mu.Unlock()
		return n == 0
	}, time.Second, 10*time.Millisecond)
}
