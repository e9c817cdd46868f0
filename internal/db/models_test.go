package db

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPAddr(t *testing.T) {
	t.Run("scan_plain_ip", func(t *testing.T) {
		var ip IPAddr
		require.NoError(t, ip.Scan("192.168.1.10"))
		assert.Equal(t, "192.168.1.10", ip.String())
	})

	t.Run("scan_inet_with_prefix", func(t *testing.T) {
		var ip IPAddr
		require.NoError(t, ip.Scan([]byte("10.0.0.5/32")))
		assert.Equal(t, "10.0.0.5", ip.String())
	})

	t.Run("scan_nil_resets", func(t *testing.T) {
		ip := IPAddr{}
		require.NoError(t, ip.Scan("10.0.0.1"))
		require.NoError(t, ip.Scan(nil))
		assert.Nil(t, ip.IP)
		assert.Equal(t, "", ip.String())
	})

	t.Run("scan_invalid", func(t *testing.T) {
		var ip IPAddr
		err := ip.Scan("not-an-ip")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse IP address")
	})

	t.Run("scan_unsupported_type", func(t *testing.T) {
		var ip IPAddr
		assert.Error(t, ip.Scan(42))
	})

	t.Run("value_and_json", func(t *testing.T) {
		var empty IPAddr
		v, err := empty.Value()
		require.NoError(t, err)
		assert.Nil(t, v)

		data, err := json.Marshal(empty)
		require.NoError(t, err)
		assert.Equal(t, "null", string(data))

		var ip IPAddr
		require.NoError(t, ip.Scan("192.168.1.1"))
		data, err = json.Marshal(ip)
		require.NoError(t, err)
		assert.Equal(t, `"192.168.1.1"`, string(data))
	})
}

func TestJSONB(t *testing.T) {
	t.Run("scan_bytes_copies", func(t *testing.T) {
		src := []byte(`{"a":1}`)
		var j JSONB
		require.NoError(t, j.Scan(src))
		src[2] = 'b'
		assert.Equal(t, `{"a":1}`, string(j))
	})

	t.Run("scan_nil", func(t *testing.T) {
		j := JSONB(`{}`)
		require.NoError(t, j.Scan(nil))
		assert.Nil(t, j)
	})

	t.Run("new_jsonb_round_trips_through_struct", func(t *testing.T) {
		j, err := NewJSONB(map[string]interface{}{"networks": []string{"10.0.0.0/24"}})
		require.NoError(t, err)

		wrapper := struct {
			Config JSONB `json:"config"`
		}{Config: j}
		data, err := json.Marshal(wrapper)
		require.NoError(t, err)
		assert.JSONEq(t, `{"config":{"networks":["10.0.0.0/24"]}}`, string(data))
	})
}

func TestScanRunIsTerminal(t *testing.T) {
	assert.False(t, (&ScanRun{Status: RunStatusRunning}).IsTerminal())
	assert.True(t, (&ScanRun{Status: RunStatusCompleted}).IsTerminal())
	assert.True(t, (&ScanRun{Status: RunStatusFailed}).IsTerminal())
}
