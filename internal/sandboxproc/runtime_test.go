package sandboxproc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunEntryPointWithoutMainIsNotAnError(t *testing.T) {
	client := pairedConns(t, nil)
	proxy := NewBrokerProxy(client, 1)
	rt := NewRuntime(proxy, nil)
	defer rt.Close()

	err := rt.RunEntryPoint(`x = 1 + 1`)
	require.NoError(t, err)
}

func TestRunEntryPointInvokesMain(t *testing.T) {
	client := pairedConns(t, func(method string, payload json.RawMessage) (interface{}, error) {
		return nil, nil
	})
	proxy := NewBrokerProxy(client, 1)
	rt := NewRuntime(proxy, nil)
	defer rt.Close()

	err := rt.RunEntryPoint(`
		function main()
			log("startup", "plugin is running")
		end
	`)
	require.NoError(t, err)
}

func TestLuaFileExistsBuiltinReturnsHostResult(t *testing.T) {
	client := pairedConns(t, func(method string, payload json.RawMessage) (interface{}, error) {
		assert.Equal(t, "fs.fileExists", method)
		return map[string]bool{"exists": true}, nil
	})
	proxy := NewBrokerProxy(client, 1)
	rt := NewRuntime(proxy, nil)
	defer rt.Close()

	err := rt.RunEntryPoint(`
		function main()
			local exists, err = file_exists("notes.txt")
			assert(exists == true)
			assert(err == nil)
		end
	`)
	require.NoError(t, err)
}

func TestLuaHTTPGetBuiltinSurfacesError(t *testing.T) {
	client := pairedConns(t, func(method string, payload json.RawMessage) (interface{}, error) {
		return nil, assertErr{"blocked"}
	})
	proxy := NewBrokerProxy(client, 1)
	rt := NewRuntime(proxy, nil)
	defer rt.Close()

	err := rt.RunEntryPoint(`
		function main()
			local status, body, err = http_get("http://example.com")
			assert(status == -1)
			assert(err ~= nil)
		end
	`)
	require.NoError(t, err)
}
