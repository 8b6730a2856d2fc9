package czrpc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := NewConn(server)
	t.Cleanup(func() { _ = client.Close() })
	return c, client
}

func TestTopicTableAddRemoveIdempotent(t *testing.T) {
	tbl := newTopicTable()
	c, _ := newTestConn(t)

	tbl.add("news", c)
	tbl.add("news", c) // idempotent
	assert.Len(t, tbl.subscribers("news"), 1)

	tbl.remove("news", c)
	assert.Empty(t, tbl.subscribers("news"))
}

func TestTopicTablePrunesDeadSubscribers(t *testing.T) {
	tbl := newTopicTable()
	c, _ := newTestConn(t)

	tbl.add("news", c)
	require.NoError(t, c.Disconnect())

	assert.Empty(t, tbl.subscribers("news"), "dead connection must be pruned from enumeration")
}

func TestTopicTableRemoveAll(t *testing.T) {
	tbl := newTopicTable()
	c, _ := newTestConn(t)

	tbl.add("a", c)
	tbl.add("b", c)
	tbl.removeAll(c)

	assert.Empty(t, tbl.subscribers("a"))
	assert.Empty(t, tbl.subscribers("b"))
}
