package protocol

import (
	"context"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

// An append only file is a plain sequence of request arrays.
const appendOnly = "*2\r\n$6\r\nSELECT\r\n$1\r\n0\r\n" +
	"*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n" +
	"*5\r\n$4\r\nHSET\r\n$1\r\nh\r\n$1\r\na\r\n$1\r\nb\r\n$0\r\n\r\n" +
	"*2\r\n$3\r\nDEL\r\n$3\r\nfoo\r\n"

func TestAOFRead(t *testing.T) {
	d := NewDecoder(WithReadSize(7))

	var names []string
	for msg, err := range d.Iterate(context.Background(), strings.NewReader(appendOnly)) {
		assert.NilError(t, err)
		assert.Equal(t, msg.Type, TypeBulk)
		assert.Assert(t, len(msg.Bulk) > 0)
		names = append(names, string(msg.Bulk[0].Data))
		t.Logf("command => %v", msg)
	}

	assert.DeepEqual(t, names, []string{"SELECT", "SET", "HSET", "DEL"})
	assert.Equal(t, d.Offset(), int64(len(appendOnly)))
}
