// Package sandboxproc implements the sandbox-process side of the plugin
// runtime: loading a plugin's Lua entry point, executing it inside a
// capability-gated VM, and proxying every privileged call back to the
// host process over the IPC connection rather than touching any resource
// directly.
package sandboxproc

import (
	"encoding/json"
	"fmt"

	"github.com/connectias/sandboxcore/internal/ipcproto"
)

// BrokerProxy is the sandbox-side stub for every broker operation: it
// never performs I/O itself, it only marshals a call and its session
// token and sends it to the host over conn, per spec §4.1's "the file
// handle as the only capability" model generalized to every broker.
type BrokerProxy struct {
	conn         *ipcproto.Conn
	sessionToken uint64
}

// NewBrokerProxy builds a proxy bound to one IPC connection and the
// session token the host issued during handshake.
func NewBrokerProxy(conn *ipcproto.Conn, sessionToken uint64) *BrokerProxy {
	return &BrokerProxy{conn: conn, sessionToken: sessionToken}
}

type authenticatedRequest struct {
	SessionToken uint64          `json:"session_token"`
	Body         json.RawMessage `json:"body"`
}

// call marshals body, wraps it with the session token, and performs a
// synchronous round trip for method.
func (p *BrokerProxy) call(method string, body interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("sandboxproc: marshal request: %w", err)
	}
	req := authenticatedRequest{SessionToken: p.sessionToken, Body: raw}
	resp, err := p.conn.Call(method, req)
	if err != nil {
		return err
	}
	if out == nil || len(resp) == 0 {
		return nil
	}
	return json.Unmarshal(resp, out)
}

// FileExists proxies the filesystem broker's existence check.
func (p *BrokerProxy) FileExists(relPath string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	err := p.call("fs.fileExists", map[string]string{"rel_path": relPath}, &out)
	return out.Exists, err
}

// HTTPGet proxies the hardware broker's HTTPS-enforced GET, returning the
// response body directly since the sandbox side has no reason to stream
// a handle across the IPC boundary the way the host-side broker does.
func (p *BrokerProxy) HTTPGet(url string) (status int, body []byte, err error) {
	var out struct {
		Status int    `json:"status"`
		Body   []byte `json:"body"`
	}
	if callErr := p.call("hw.httpGet", map[string]string{"url": url}, &out); callErr != nil {
		return 0, nil, callErr
	}
	return out.Status, out.Body, nil
}

// SendMessage proxies the messaging broker.
func (p *BrokerProxy) SendMessage(receiverPluginID, kind string, payload []byte) ([]byte, error) {
	var out struct {
		Payload []byte `json:"payload"`
		OK      bool   `json:"ok"`
	}
	req := map[string]interface{}{
		"receiver": receiverPluginID,
		"kind":     kind,
		"payload":  payload,
	}
	if err := p.call("msg.sendMessage", req, &out); err != nil {
		return nil, err
	}
	return out.Payload, nil
}

// Log proxies the logging broker's one-way submission.
func (p *BrokerProxy) Log(priority int, tag, message string) error {
	req := map[string]interface{}{
		"priority": priority,
		"tag":      tag,
		"message":  message,
	}
	return p.call("log.submitLog", req, nil)
}

// PersistState proxies the filesystem broker's write path used by the
// flow interpreter's PersistState node.
func (p *BrokerProxy) PersistState(relPath string, payload []byte) error {
	req := map[string]interface{}{
		"rel_path": relPath,
		"payload":  payload,
	}
	return p.call("fs.writeFile", req, nil)
}
