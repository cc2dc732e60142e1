package hostapi

import (
	"context"
	"encoding/json"
	"io"

	"github.com/connectias/sandboxcore/internal/brokers/fs"
	"github.com/connectias/sandboxcore/internal/brokers/hardware"
	"github.com/connectias/sandboxcore/internal/brokers/logging"
	"github.com/connectias/sandboxcore/internal/brokers/messaging"
	"github.com/connectias/sandboxcore/internal/capability"
	"github.com/connectias/sandboxcore/internal/identity"
	"github.com/connectias/sandboxcore/internal/ipcproto"
	"github.com/connectias/sandboxcore/internal/sandboxerr"
	"github.com/connectias/sandboxcore/internal/securewrapper"
)

// authenticatedRequest mirrors internal/sandboxproc.authenticatedRequest:
// every broker call (but not the handshake itself) is wrapped with the
// session token the sandbox received at handshake time.
type authenticatedRequest struct {
	SessionToken uint64          `json:"session_token"`
	Body         json.RawMessage `json:"body"`
}

// brokerHandler returns the single ipcproto.Handler served on every control
// connection: it answers the initial handshake, then every subsequent
// fs./hw./msg./log. call a sandboxproc.BrokerProxy issues over the same
// connection.
func (m *Manager) brokerHandler() ipcproto.Handler {
	return func(method string, payload json.RawMessage) (interface{}, error) {
		if method == ipcproto.MethodHandshake {
			var req ipcproto.HandshakeRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, sandboxerr.New(sandboxerr.InvalidArgument, "malformed handshake request")
			}
			return m.handshakeSrv.handleHandshake(req)
		}

		var req authenticatedRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, sandboxerr.New(sandboxerr.InvalidArgument, "malformed request envelope")
		}
		token := identity.Token(req.SessionToken)

		switch method {
		case "fs.fileExists":
			return m.handleFSFileExists(token, req.Body)
		case "fs.writeFile":
			return m.handleFSWriteFile(token, req.Body)
		case "hw.httpGet":
			return m.handleHardwareHTTPGet(token, req.Body)
		case "msg.sendMessage":
			return m.handleMessagingSend(token, req.Body)
		case "msg.receiveMessages":
			return m.handleMessagingReceive(token, req.Body)
		case "msg.sendResponse":
			return m.handleMessagingSendResponse(token, req.Body)
		case "log.submitLog":
			return m.handleLoggingSubmit(token, req.Body)
		default:
			return nil, sandboxerr.New(sandboxerr.InvalidArgument, "unknown method "+method)
		}
	}
}

// readHandle drains a hardware.FileHandle into memory for the reply
// envelope. Large payloads stream broker-side up to this point; the IPC
// wire format (spec §4.4) carries the reply as a single JSON frame, so the
// bound-memory guarantee ends at the host/sandbox boundary, not before it.
func readHandle(handle *hardware.FileHandle) ([]byte, error) {
	r, err := handle.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func unmarshalBody(body json.RawMessage, out interface{}) error {
	if err := json.Unmarshal(body, out); err != nil {
		return sandboxerr.New(sandboxerr.InvalidArgument, "malformed request body")
	}
	return nil
}

type fsFileExistsReq struct {
	RelPath string `json:"rel_path"`
}

func (m *Manager) handleFSFileExists(token identity.Token, body json.RawMessage) (interface{}, error) {
	var req fsFileExistsReq
	if err := unmarshalBody(body, &req); err != nil {
		return nil, err
	}
	return m.wrapper.Invoke(context.Background(), securewrapper.Call{
		Token: token, Method: "fs.fileExists", Capability: capability.FileRead,
	}, nil, func(pluginID string) (interface{}, error) {
		exists, err := m.FS.FileExists(pluginID, req.RelPath)
		if err != nil {
			return nil, err
		}
		return struct {
			Exists bool `json:"exists"`
		}{exists}, nil
	})
}

type fsWriteFileReq struct {
	RelPath string `json:"rel_path"`
	Payload []byte `json:"payload"`
}

func (m *Manager) handleFSWriteFile(token identity.Token, body json.RawMessage) (interface{}, error) {
	var req fsWriteFileReq
	if err := unmarshalBody(body, &req); err != nil {
		return nil, err
	}
	return m.wrapper.Invoke(context.Background(), securewrapper.Call{
		Token: token, Method: "fs.writeFile", Capability: capability.FileWrite,
	}, nil, func(pluginID string) (interface{}, error) {
		f, err := m.FS.OpenFile(pluginID, req.RelPath, fs.ModeWrite)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if _, err := f.Write(req.Payload); err != nil {
			return nil, sandboxerr.Wrap(sandboxerr.Internal, "write file", err)
		}
		return nil, nil
	})
}

type hwHTTPGetReq struct {
	URL string `json:"url"`
}

func (m *Manager) handleHardwareHTTPGet(token identity.Token, body json.RawMessage) (interface{}, error) {
	var req hwHTTPGetReq
	if err := unmarshalBody(body, &req); err != nil {
		return nil, err
	}
	return m.wrapper.Invoke(context.Background(), securewrapper.Call{
		Token: token, Method: "hw.httpGet", Capability: capability.NetHTTP,
	}, nil, func(pluginID string) (interface{}, error) {
		handle, status, err := m.Hardware.HTTPGet(pluginID, req.URL)
		if err != nil {
			return nil, err
		}
		data, readErr := readHandle(handle)
		if readErr != nil {
			return nil, sandboxerr.Wrap(sandboxerr.Internal, "read response body", readErr)
		}
		return struct {
			Status int    `json:"status"`
			Body   []byte `json:"body"`
		}{status, data}, nil
	})
}

type msgSendReq struct {
	Receiver string `json:"receiver"`
	Kind     string `json:"kind"`
	Payload  []byte `json:"payload"`
}

func (m *Manager) handleMessagingSend(token identity.Token, body json.RawMessage) (interface{}, error) {
	var req msgSendReq
	if err := unmarshalBody(body, &req); err != nil {
		return nil, err
	}
	return m.wrapper.Invoke(context.Background(), securewrapper.Call{
		Token: token, Method: "msg.sendMessage", Capability: capability.MsgSend,
	}, nil, func(pluginID string) (interface{}, error) {
		resp, err := m.Messaging.SendMessage(messaging.Message{
			Sender:   pluginID,
			Receiver: req.Receiver,
			Kind:     req.Kind,
			Payload:  req.Payload,
		}, messaging.DefaultResponseTimeout)
		if err != nil {
			return nil, err
		}
		return struct {
			Payload []byte `json:"payload"`
			OK      bool   `json:"ok"`
		}{resp.Payload, resp.OK}, nil
	})
}

func (m *Manager) handleMessagingReceive(token identity.Token, body json.RawMessage) (interface{}, error) {
	return m.wrapper.Invoke(context.Background(), securewrapper.Call{
		Token: token, Method: "msg.receiveMessages", Capability: capability.MsgSend,
	}, nil, func(pluginID string) (interface{}, error) {
		msgs, err := m.Messaging.ReceiveMessages(pluginID)
		if err != nil {
			return nil, err
		}
		return struct {
			Messages []messaging.Message `json:"messages"`
		}{msgs}, nil
	})
}

type msgSendResponseReq struct {
	ReceiverWhoSent string `json:"receiver_who_sent"`
	CorrelationID   string `json:"correlation_id"`
	Payload         []byte `json:"payload"`
	OK              bool   `json:"ok"`
}

func (m *Manager) handleMessagingSendResponse(token identity.Token, body json.RawMessage) (interface{}, error) {
	var req msgSendResponseReq
	if err := unmarshalBody(body, &req); err != nil {
		return nil, err
	}
	return m.wrapper.Invoke(context.Background(), securewrapper.Call{
		Token: token, Method: "msg.sendResponse", Capability: capability.MsgSend,
	}, nil, func(pluginID string) (interface{}, error) {
		delivered := m.Messaging.SendResponse(req.ReceiverWhoSent, messaging.Response{
			CorrelationID: req.CorrelationID,
			Payload:       req.Payload,
			OK:            req.OK,
		})
		return struct {
			Delivered bool `json:"delivered"`
		}{delivered}, nil
	})
}

type logSubmitReq struct {
	Priority int    `json:"priority"`
	Tag      string `json:"tag"`
	Message  string `json:"message"`
}

func (m *Manager) handleLoggingSubmit(token identity.Token, body json.RawMessage) (interface{}, error) {
	var req logSubmitReq
	if err := unmarshalBody(body, &req); err != nil {
		return nil, err
	}
	return m.wrapper.Invoke(context.Background(), securewrapper.Call{
		Token: token, Method: "log.submitLog",
	}, nil, func(pluginID string) (interface{}, error) {
		m.Logging.Submit(logging.Entry{
			PluginID: pluginID,
			Priority: logging.Priority(req.Priority),
			Tag:      req.Tag,
			Message:  req.Message,
		})
		return nil, nil
	})
}
