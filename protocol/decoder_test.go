package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"gotest.tools/v3/assert"
)

var corpus = []struct {
	frame string
	want  Value
}{
	{"+OK\r\n", Okay()},
	{"+PONG\r\n", Status("PONG")},
	{":0\r\n", Int(0)},
	{":-9223372036854775808\r\n", Int(-9223372036854775808)},
	{"$0\r\n\r\n", Data([]byte{})},
	{"$-1\r\n", Nil()},
	{"$5\r\nhello\r\n", Data([]byte("hello"))},
	{"$4\r\n\r\n\r\n\r\n", Data([]byte("\r\n\r\n"))},
	{"*0\r\n", Bulk()},
	{"*-1\r\n", Nil()},
	{"*2\r\n:1\r\n*1\r\n:2\r\n", Bulk(Int(1), Bulk(Int(2)))},
	{"*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$-1\r\n", Bulk(Data([]byte("SET")), Data([]byte("key")), Nil())},
	{"*2\r\n*2\r\n+a\r\n+b\r\n*0\r\n", Bulk(Bulk(Status("a"), Status("b")), Bulk())},
}

func TestFeed_SplitAnywhere(t *testing.T) {
	for _, c := range corpus {
		frame := []byte(c.frame)
		for i := 0; i <= len(frame); i++ {
			d := NewDecoder()

			n, _, ok, err := d.Feed(frame[:i])
			assert.NilError(t, err)
			if i < len(frame) {
				assert.Assert(t, !ok, "frame %q completed after %d bytes", c.frame, i)
				assert.Equal(t, n, i)
			} else {
				assert.Assert(t, ok)
				continue
			}

			n, v, ok, err := d.Feed(frame[i:])
			assert.NilError(t, err)
			assert.Assert(t, ok, "frame %q split at %d", c.frame, i)
			assert.Equal(t, n, len(frame)-i)
			assert.Assert(t, equalValue(v, c.want))
			assert.Equal(t, d.Offset(), int64(len(frame)))
		}
	}
}

func TestFeed_ByteAtATime(t *testing.T) {
	for _, c := range corpus {
		d := NewDecoder()
		frame := []byte(c.frame)
		for i := range frame {
			n, v, ok, err := d.Feed(frame[i : i+1])
			assert.NilError(t, err)
			assert.Equal(t, n, 1)
			if i < len(frame)-1 {
				assert.Assert(t, !ok)
				continue
			}
			assert.Assert(t, ok)
			assert.Assert(t, equalValue(v, c.want))
		}
	}
}

func TestFeed_PartialBulk(t *testing.T) {
	d := NewDecoder()

	n, _, ok, err := d.Feed([]byte("$5\r\nhel"))
	assert.NilError(t, err)
	assert.Assert(t, !ok)
	assert.Equal(t, n, 7)

	n, v, ok, err := d.Feed([]byte("lo\r\n"))
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Equal(t, n, 4)
	assert.Assert(t, equalValue(v, Data([]byte("hello"))))
}

func TestFeed_StopsAtFrameEnd(t *testing.T) {
	d := NewDecoder()
	stream := []byte("+OK\r\n:1\r\n$1\r\nx\r\n")

	var got []Value
	for len(stream) > 0 {
		n, v, ok, err := d.Feed(stream)
		assert.NilError(t, err)
		assert.Assert(t, ok)
		got = append(got, v)
		stream = stream[n:]
	}
	assert.Equal(t, len(got), 3)
	assert.Assert(t, equalValue(got[2], Data([]byte("x"))))
}

func TestFeed_DoesNotAlias(t *testing.T) {
	d := NewDecoder()
	buf := []byte("*1\r\n$3\r\nab")
	_, _, _, err := d.Feed(buf)
	assert.NilError(t, err)
	copy(buf, "XXXXXXXXXX")

	_, v, ok, err := d.Feed([]byte("c\r\n"))
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Assert(t, equalValue(v, Bulk(Data([]byte("abc")))))
}

func TestFeed_SyntaxErrorIsSticky(t *testing.T) {
	d := NewDecoder()

	_, _, ok, err := d.Feed([]byte(":1\r\n"))
	assert.NilError(t, err)
	assert.Assert(t, ok)

	_, _, ok, err = d.Feed([]byte(":x\r\n"))
	assert.Assert(t, !ok)
	var se *SyntaxError
	assert.Assert(t, errors.As(err, &se))
	assert.Equal(t, se.Offset, int64(5))

	n, _, _, again := d.Feed([]byte("+OK\r\n"))
	assert.Equal(t, n, 0)
	assert.Equal(t, again, err)
	assert.Equal(t, d.Err(), err)

	d.Reset()
	_, v, ok, err := d.Feed([]byte("+OK\r\n"))
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Assert(t, equalValue(v, Okay()))
	assert.Equal(t, d.Offset(), int64(5))
}

func TestFeed_ServerErrorIsNotSticky(t *testing.T) {
	d := NewDecoder()

	_, _, ok, err := d.Feed([]byte("-TRYAGAIN later\r\n"))
	assert.Assert(t, ok)
	assert.Assert(t, IsKind(err, TryAgain))
	assert.NilError(t, d.Err())
	assert.Assert(t, d.Aligned())

	_, v, ok, err := d.Feed([]byte(":2\r\n"))
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Assert(t, equalValue(v, Int(2)))
}

func TestFeed_LineLimit(t *testing.T) {
	d := NewDecoder(WithMaxBulkLen(8))
	_, _, _, err := d.Feed([]byte("+" + strings.Repeat("a", 20)))
	assert.ErrorIs(t, err, ErrMalformed)
	assert.ErrorContains(t, err, "line exceeds limit")
}

func TestDecode_Stream(t *testing.T) {
	d := NewDecoder()
	r := strings.NewReader("+OK\r\n:1\r\n-ERR no\r\n$3\r\nabc\r\n")

	v, err := d.Decode(r)
	assert.NilError(t, err)
	assert.Assert(t, equalValue(v, Okay()))

	v, err = d.Decode(r)
	assert.NilError(t, err)
	assert.Assert(t, equalValue(v, Int(1)))

	_, err = d.Decode(r)
	assert.Assert(t, IsKind(err, ResponseError))

	v, err = d.Decode(r)
	assert.NilError(t, err)
	assert.Assert(t, equalValue(v, Data([]byte("abc"))))

	_, err = d.Decode(r)
	assert.Equal(t, err, io.EOF)
	assert.NilError(t, d.Err())
}

func TestDecode_OneByteReader(t *testing.T) {
	var stream bytes.Buffer
	for _, c := range corpus {
		stream.WriteString(c.frame)
	}

	d := NewDecoder()
	r := iotest.OneByteReader(&stream)
	for _, c := range corpus {
		v, err := d.Decode(r)
		assert.NilError(t, err)
		assert.Assert(t, equalValue(v, c.want))
	}
	_, err := d.Decode(r)
	assert.Equal(t, err, io.EOF)
}

func TestDecode_DataWithEOF(t *testing.T) {
	d := NewDecoder()
	r := iotest.DataErrReader(strings.NewReader("+OK\r\n"))

	v, err := d.Decode(r)
	assert.NilError(t, err)
	assert.Assert(t, equalValue(v, Okay()))

	_, err = d.Decode(r)
	assert.Equal(t, err, io.EOF)
}

func TestDecode_Truncated(t *testing.T) {
	d := NewDecoder()

	_, err := d.Decode(strings.NewReader("$5\r\nhe"))
	assert.Equal(t, err, io.ErrUnexpectedEOF)

	_, err = d.Decode(strings.NewReader("+OK\r\n"))
	assert.Equal(t, err, io.ErrUnexpectedEOF)

	d.Reset()
	v, err := d.Decode(strings.NewReader("+OK\r\n"))
	assert.NilError(t, err)
	assert.Assert(t, equalValue(v, Okay()))
}

func TestDecode_ReadErrorVerbatim(t *testing.T) {
	boom := errors.New("boom")
	d := NewDecoder()

	_, err := d.Decode(iotest.ErrReader(boom))
	assert.Equal(t, err, boom)

	_, err = d.Decode(strings.NewReader("+OK\r\n"))
	assert.Equal(t, err, boom)
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, nil }

func TestDecode_NoProgress(t *testing.T) {
	_, err := NewDecoder().Decode(emptyReader{})
	assert.Equal(t, err, io.ErrNoProgress)
}

func TestDecode_Pipe(t *testing.T) {
	tests := map[string]struct {
		input    []string
		expected Value
	}{
		"whole":      {[]string{"*2\r\n$5\r\nhello\r\n$5\r\nworld\r\n"}, Bulk(Data([]byte("hello")), Data([]byte("world")))},
		"split line": {[]string{"*2\r", "\n$5\r\nhel", "lo\r\n$5", "\r\nworld\r", "\n"}, Bulk(Data([]byte("hello")), Data([]byte("world")))},
		"split int":  {[]string{":12", "34\r\n"}, Int(1234)},
		"split tag":  {[]string{"*1\r\n", ":", "7\r\n"}, Bulk(Int(7))},
	}

	for name, testcase := range tests {
		t.Run(name, func(t *testing.T) {
			server, client := net.Pipe()
			defer server.Close()
			defer client.Close()

			go func() {
				for _, piece := range testcase.input {
					_, _ = server.Write([]byte(piece))
					time.Sleep(time.Millisecond)
				}
			}()

			v, err := NewDecoder().Decode(client)
			assert.NilError(t, err)
			assert.Assert(t, equalValue(v, testcase.expected))
		})
	}
}

func TestDecodeContext_CancelThenResume(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	resume := make(chan struct{})
	go func() {
		_, _ = server.Write([]byte("$5\r\nhel"))
		<-resume
		_, _ = server.Write([]byte("lo\r\n"))
	}()

	d := NewDecoder()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := d.DecodeContext(ctx, client)
	assert.Equal(t, err, context.Canceled)
	assert.NilError(t, d.Err())

	close(resume)
	v, err := d.Decode(client)
	assert.NilError(t, err)
	assert.Assert(t, equalValue(v, Data([]byte("hello"))))
	assert.Equal(t, d.Offset(), int64(11))
}

func TestDecodeContext_AlreadyDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDecoder()
	_, err := d.DecodeContext(ctx, strings.NewReader("+OK\r\n"))
	assert.Equal(t, err, context.Canceled)

	v, err := d.Decode(strings.NewReader("+OK\r\n"))
	assert.NilError(t, err)
	assert.Assert(t, equalValue(v, Okay()))
}

// failAfterCancel stops ctx and then fails the read with a real error.
type failAfterCancel struct {
	cancel context.CancelFunc
	err    error
}

func (r failAfterCancel) Read([]byte) (int, error) {
	r.cancel()
	return 0, r.err
}

func TestDecodeContext_ReadErrorBeatsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDecoder()
	_, err := d.DecodeContext(ctx, failAfterCancel{cancel: cancel, err: io.ErrClosedPipe})
	assert.Equal(t, err, io.ErrClosedPipe)
	assert.Equal(t, d.Err(), io.ErrClosedPipe)
}

func TestDecodeContext_EOFMidFrameBeatsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDecoder()
	_, _, ok, err := d.Feed([]byte("$5\r\nhel"))
	assert.NilError(t, err)
	assert.Assert(t, !ok)

	_, err = d.DecodeContext(ctx, failAfterCancel{cancel: cancel, err: io.EOF})
	assert.Equal(t, err, io.ErrUnexpectedEOF)
}

func TestIterate(t *testing.T) {
	d := NewDecoder()
	r := strings.NewReader("+OK\r\n-MOVED 1 a:1\r\n:3\r\n")

	var values []Value
	var errs []error
	for v, err := range d.Iterate(context.Background(), r) {
		values = append(values, v)
		errs = append(errs, err)
	}

	assert.Equal(t, len(values), 3)
	assert.Assert(t, equalValue(values[0], Okay()))
	assert.Assert(t, IsKind(errs[1], Moved))
	assert.Assert(t, equalValue(values[2], Int(3)))
	assert.NilError(t, errs[2])
}

func TestIterate_StopsOnMalformed(t *testing.T) {
	d := NewDecoder()
	r := strings.NewReader("+OK\r\n%3\r\n:3\r\n")

	var errs []error
	for _, err := range d.Iterate(context.Background(), r) {
		errs = append(errs, err)
	}

	assert.Equal(t, len(errs), 2)
	assert.NilError(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrMalformed)
}

func TestState_RestoreIntoAnotherDecoder(t *testing.T) {
	d := NewDecoder()
	_, _, ok, err := d.Feed([]byte("*2\r\n$5\r\nhel"))
	assert.NilError(t, err)
	assert.Assert(t, !ok)

	st := d.State()
	assert.Equal(t, st.Phase, PhasePayload)
	assert.Equal(t, len(st.Stack), 1)
	assert.Equal(t, st.Need, int64(2))
	assert.Equal(t, st.Offset, int64(11))
	assert.Assert(t, !st.Boundary())

	// the snapshot is independent of the decoder it came from
	_, _, ok, err = d.Feed([]byte("lo\r\n:7\r\n"))
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Equal(t, string(st.Payload), "hel")

	other := NewDecoder()
	other.Restore(st)
	_, v, ok, err := other.Feed([]byte("lo\r\n:7\r\n"))
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Assert(t, equalValue(v, Bulk(Data([]byte("hello")), Int(7))))
	assert.Equal(t, other.Offset(), int64(19))
}

func TestState_KeepsReadAhead(t *testing.T) {
	d := NewDecoder()
	r := strings.NewReader("+OK\r\n:5\r\n")

	_, err := d.Decode(r)
	assert.NilError(t, err)
	st := d.State()
	assert.Equal(t, string(st.Pending), ":5\r\n")

	other := NewDecoder()
	other.Restore(st)
	v, err := other.Decode(strings.NewReader(""))
	assert.NilError(t, err)
	assert.Assert(t, equalValue(v, Int(5)))
}

func TestCodec(t *testing.T) {
	c := NewCodec()
	buf := bytes.NewBufferString("+OK\r\n:5")

	v, ok, err := c.Decode(buf)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Assert(t, equalValue(v, Okay()))
	assert.Equal(t, buf.String(), ":5")

	_, ok, err = c.Decode(buf)
	assert.NilError(t, err)
	assert.Assert(t, !ok)
	assert.Equal(t, buf.Len(), 0)

	buf.WriteString("\r\n")
	v, ok, err = c.Decode(buf)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Assert(t, equalValue(v, Int(5)))

	var out bytes.Buffer
	assert.NilError(t, c.Encode(Command("PING"), &out))
	assert.Equal(t, out.String(), "*1\r\n$4\r\nPING\r\n")
}

func TestConn_RoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	replies := []string{"+PONG\r\n", "*2\r\n-ERR x\r\n:1\r\n"}
	done := make(chan error, 1)
	go func() {
		d := NewDecoder()
		for _, reply := range replies {
			cmd, err := d.Decode(server)
			if err != nil {
				done <- err
				return
			}
			if cmd.Type != TypeBulk {
				done <- errors.New("request is not an array")
				return
			}
			if _, err := server.Write([]byte(reply)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	conn := NewConnection(client)
	defer conn.Close()
	ctx := context.Background()

	v, err := conn.RoundTrip(ctx, Command("PING"))
	assert.NilError(t, err)
	assert.Assert(t, equalValue(v, Status("PONG")))
	assert.Assert(t, conn.Healthy())

	_, err = conn.RoundTrip(ctx, Command("MGET", "a", "b"))
	assert.Assert(t, IsKind(err, ResponseError))
	assert.Assert(t, !conn.Healthy())

	assert.NilError(t, <-done)
}

func TestWriter(t *testing.T) {
	assert.Equal(t, string(Command("SET", "k", "v")), "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n")
	assert.Equal(t, string(AppendValue(nil, Nil())), "$-1\r\n")
	assert.Equal(t, string(AppendValue(nil, Status("OK"))), "+OK\r\n")
	assert.Equal(t, string(AppendError(nil, &ServerError{Kind: Moved, Code: "MOVED", Detail: "1 a:1"})), "-MOVED 1 a:1\r\n")
	assert.Equal(t, string(AppendError(nil, &ServerError{Code: "ERR"})), "-ERR\r\n")

	var buf bytes.Buffer
	n, err := Encode(&buf, Bulk(Int(1), Data([]byte("x"))))
	assert.NilError(t, err)
	assert.Equal(t, n, buf.Len())
	assert.Equal(t, buf.String(), "*2\r\n:1\r\n$1\r\nx\r\n")
}

func randomValue(r *rand.Rand, depth int) Value {
	switch r.IntN(6) {
	case 0:
		return Nil()
	case 1:
		return Int(r.Int64() - r.Int64())
	case 2:
		b := make([]byte, r.IntN(40))
		for i := range b {
			b[i] = byte(r.UintN(256))
		}
		return Data(b)
	case 3:
		return Status([]string{"OK", "PONG", "QUEUED", ""}[r.IntN(4)])
	default:
		if depth == 0 {
			return Int(int64(r.IntN(10)))
		}
		vs := make([]Value, r.IntN(5))
		for i := range vs {
			vs[i] = randomValue(r, depth-1)
		}
		return Bulk(vs...)
	}
}

func TestRoundTrip_Random(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for range 500 {
		want := Bulk(randomValue(r, 3), randomValue(r, 3))
		encoded := AppendValue(nil, want)

		got, err := ParseValue(encoded)
		assert.NilError(t, err)
		assert.Assert(t, equalValue(got, want))

		cut := r.IntN(len(encoded) + 1)
		d := NewDecoder()
		_, _, _, err = d.Feed(encoded[:cut])
		assert.NilError(t, err)
		n, got, ok, err := d.Feed(encoded[cut:])
		if cut < len(encoded) {
			assert.NilError(t, err)
			assert.Assert(t, ok)
			assert.Equal(t, n, len(encoded)-cut)
			assert.Assert(t, equalValue(got, want))
		}
	}
}
