package sandboxproc

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Runtime executes a single plugin's Lua entry point inside a fresh VM,
// with every privileged builtin routed through a BrokerProxy rather than
// touching a resource directly — the Lua VM itself never gains anything
// beyond the builtins this package registers.
type Runtime struct {
	state  *lua.LState
	proxy  *BrokerProxy
	logger *zap.Logger
}

// NewRuntime constructs a fresh Lua VM wired to proxy for broker access.
func NewRuntime(proxy *BrokerProxy, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{state: lua.NewState(), proxy: proxy, logger: logger}
	r.registerBuiltins()
	return r
}

// Close releases the underlying Lua VM.
func (r *Runtime) Close() {
	r.state.Close()
}

// RunEntryPoint executes the plugin's entry point source. Each entry
// point is expected to define a top-level `main` function, invoked with
// no arguments once the script itself has loaded.
func (r *Runtime) RunEntryPoint(source string) error {
	if err := r.state.DoString(source); err != nil {
		return fmt.Errorf("sandboxproc: load entry point: %w", err)
	}
	fn := r.state.GetGlobal("main")
	if fn.Type() != lua.LTFunction {
		return nil // entry points without a main() are valid, e.g. pure event handlers
	}
	return r.state.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})
}

// registerBuiltins installs the capability-gated host-call surface
// available to plugin Lua code. Every builtin is a thin adapter from Lua
// arguments to a BrokerProxy call; the proxy (not this file) is what
// actually crosses the IPC boundary and is where the host enforces
// identity, capability, and rate-limit checks on every call.
func (r *Runtime) registerBuiltins() {
	r.state.SetGlobal("log", r.state.NewFunction(r.luaLog))
	r.state.SetGlobal("http_get", r.state.NewFunction(r.luaHTTPGet))
	r.state.SetGlobal("file_exists", r.state.NewFunction(r.luaFileExists))
	r.state.SetGlobal("send_message", r.state.NewFunction(r.luaSendMessage))
	r.state.SetGlobal("persist_state", r.state.NewFunction(r.luaPersistState))
}

func (r *Runtime) luaLog(L *lua.LState) int {
	tag := L.CheckString(1)
	message := L.CheckString(2)
	if err := r.proxy.Log(1, tag, message); err != nil {
		r.logger.Warn("plugin log submission failed", zap.Error(err))
	}
	return 0
}

func (r *Runtime) luaHTTPGet(L *lua.LState) int {
	url := L.CheckString(1)
	status, body, err := r.proxy.HTTPGet(url)
	if err != nil {
		L.Push(lua.LNumber(-1))
		L.Push(lua.LString(""))
		L.Push(lua.LString(err.Error()))
		return 3
	}
	L.Push(lua.LNumber(status))
	L.Push(lua.LString(string(body)))
	L.Push(lua.LNil)
	return 3
}

func (r *Runtime) luaFileExists(L *lua.LState) int {
	relPath := L.CheckString(1)
	exists, err := r.proxy.FileExists(relPath)
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LBool(exists))
	L.Push(lua.LNil)
	return 2
}

func (r *Runtime) luaSendMessage(L *lua.LState) int {
	receiver := L.CheckString(1)
	kind := L.CheckString(2)
	payload := L.CheckString(3)
	resp, err := r.proxy.SendMessage(receiver, kind, []byte(payload))
	if err != nil {
		L.Push(lua.LString(""))
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(string(resp)))
	L.Push(lua.LNil)
	return 2
}

func (r *Runtime) luaPersistState(L *lua.LState) int {
	relPath := L.CheckString(1)
	payload := L.CheckString(2)
	if err := r.proxy.PersistState(relPath, []byte(payload)); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	L.Push(lua.LNil)
	return 2
}
