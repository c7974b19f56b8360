package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMasterchainInfo(t *testing.T) {
	t.Run("toncenter ok wrapper", func(t *testing.T) {
		body := `{"ok":true,"result":{"@type":"blocks.masterchainInfo","last":{"seqno":123456,"shard":"-9223372036854775808"}}}`
		seqno, err := ParseMasterchainInfo([]byte(body))
		require.NoError(t, err)
		assert.Equal(t, uint64(123456), seqno)
	})

	t.Run("ok false wrapper is an error", func(t *testing.T) {
		body := `{"ok":false,"error":"invalid api key","code":401}`
		_, err := ParseMasterchainInfo([]byte(body))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid api key")
	})

	t.Run("plain jsonrpc result", func(t *testing.T) {
		body := `{"jsonrpc":"2.0","id":"1","result":{"last":{"seqno":777}}}`
		seqno, err := ParseMasterchainInfo([]byte(body))
		require.NoError(t, err)
		assert.Equal(t, uint64(777), seqno)
	})

	t.Run("direct body", func(t *testing.T) {
		body := `{"last":{"seqno":42,"workchain":-1},"init":{"seqno":1}}`
		seqno, err := ParseMasterchainInfo([]byte(body))
		require.NoError(t, err)
		assert.Equal(t, uint64(42), seqno)
	})

	t.Run("jsonrpc error object", func(t *testing.T) {
		body := `{"jsonrpc":"2.0","id":"1","error":{"code":-32601,"message":"method not found"}}`
		_, err := ParseMasterchainInfo([]byte(body))
		assert.Error(t, err)
	})

	t.Run("zero seqno rejected", func(t *testing.T) {
		body := `{"ok":true,"result":{"last":{"seqno":0}}}`
		_, err := ParseMasterchainInfo([]byte(body))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid seqno")
	})

	t.Run("missing seqno rejected", func(t *testing.T) {
		body := `{"ok":true,"result":{"last":{}}}`
		_, err := ParseMasterchainInfo([]byte(body))
		assert.Error(t, err)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParseMasterchainInfo([]byte("<html>bad gateway</html>"))
		assert.Error(t, err)
	})

	t.Run("unknown envelope", func(t *testing.T) {
		_, err := ParseMasterchainInfo([]byte(`{"status":"fine"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown response envelope")
	})
}
