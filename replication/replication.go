package replication

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awinterman/respwire/protocol"
)

type Subscriber struct {
	Dialer             net.Dialer
	LeaderAddr, MyAddr string
	Logger             *slog.Logger
	// AckInterval is how often the offset is volunteered; zero means every
	// second.
	AckInterval time.Duration

	Offset        atomic.Int64
	ReplicationID atomic.Pointer[string]

	signal
}

// signal is closed once, when the command stream starts.
type signal struct {
	ch        chan struct{}
	once      sync.Once
	didSignal atomic.Bool
	mu        sync.Mutex
}

func (s *signal) Broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	s.once.Do(func() {
		close(s.ch)
		s.didSignal.Store(true)
	})
}

// ReplicationStartedCh returns a channel that is closed when replication
// starts.
func (s *Subscriber) ReplicationStartedCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

func pointer[T any](t T) *T {
	return &t
}

// StreamUpdates replicates from the leader until ctx is done or the stream
// fails, calling msgFunc with every propagated command.
func (s *Subscriber) StreamUpdates(ctx context.Context, msgFunc func(cmd protocol.Value) error) error {
	if s.signal.didSignal.Load() {
		return fmt.Errorf("attempting to reuse a subscriber, which is not allowed")
	}
	if s.Logger == nil {
		s.Logger = slog.With("comp", "replication")
	}
	s.ReplicationID.CompareAndSwap(nil, pointer("?"))
	if s.Offset.Load() == 0 {
		s.Offset.Store(-1)
	}

	conn, err := s.Dialer.DialContext(ctx, "tcp", s.LeaderAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	w := protocol.NewConnection(conn)
	stream, err := s.handshake(ctx, conn, w)
	if err != nil {
		return err
	}
	s.signal.Broadcast()

	// when we exit, try to send the last processed offset
	defer func() { _ = s.replconfAck(w) }()

	interval := s.AckInterval
	if interval == 0 {
		interval = time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.replconfAck(w); err != nil {
					s.Logger.Error("replconfAck", "err", err)
					return
				}
			}
		}
	}()

	d := protocol.NewDecoder()
	for ctx.Err() == nil {
		before := d.Offset()
		read, err := d.Decode(stream)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			return fmt.Errorf("%w reading replication stream", err)
		}
		s.Logger.Debug("replication", "msg", read)

		if err := s.apply(w, read, msgFunc); err != nil {
			return err
		}
		s.Offset.Add(d.Offset() - before)
	}

	return ctx.Err()
}

func (s *Subscriber) apply(w *protocol.Conn, read protocol.Value, msgFunc func(protocol.Value) error) error {
	if read.Type != protocol.TypeBulk || len(read.Bulk) == 0 {
		s.Logger.Info("replication metadata", "msg", read)
		return nil
	}
	switch strings.ToUpper(string(read.Bulk[0].Data)) {
	case "PING":
		return nil
	case "REPLCONF":
		if len(read.Bulk) > 1 && strings.EqualFold(string(read.Bulk[1].Data), "GETACK") {
			return s.replconfAck(w)
		}
		s.Logger.Info("received REPLCONF", "msg", read)
		return nil
	default:
		return msgFunc(read)
	}
}

// handshake runs the replica handshake and returns a reader positioned at
// the start of the command stream.
func (s *Subscriber) handshake(ctx context.Context, conn net.Conn, w *protocol.Conn) (io.Reader, error) {
	myHost, myPort, err := net.SplitHostPort(s.MyAddr)
	if err != nil {
		return nil, err
	}
	s.Logger.Info("start replication", "leader", s.LeaderAddr, "myaddress", s.MyAddr)

	d := protocol.NewDecoder()
	roundTrip := func(args ...string) (protocol.Value, error) {
		if _, err := w.Write(protocol.Command(args...)); err != nil {
			return protocol.Value{}, err
		}
		if err := w.Flush(); err != nil {
			return protocol.Value{}, err
		}
		return d.DecodeContext(ctx, conn)
	}

	if _, err := roundTrip("PING"); err != nil {
		return nil, err
	}
	if _, err := roundTrip("REPLCONF", "listening-port", myPort, "ip-address", myHost); err != nil {
		return nil, err
	}
	if _, err := roundTrip("REPLCONF", "capa", "psync2"); err != nil {
		return nil, err
	}
	resp, err := roundTrip("PSYNC", *s.ReplicationID.Load(), strconv.FormatInt(s.Offset.Load(), 10))
	if err != nil {
		return nil, err
	}

	// anything read past the reply already belongs to what follows
	rest := io.MultiReader(bytes.NewReader(d.State().Pending), conn)

	fields := strings.Fields(resp.Status)
	switch {
	case len(fields) == 3 && fields[0] == "FULLRESYNC":
		s.ReplicationID.Store(&fields[1])
		offset, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, err
		}
		s.Offset.Store(offset)
		s.Logger.Info("full resync", "replid", fields[1], "offset", offset)
		return skipSnapshot(rest, s.Logger)
	case len(fields) >= 1 && fields[0] == "CONTINUE":
		if len(fields) == 2 {
			s.ReplicationID.Store(&fields[1])
		}
		s.Logger.Info("partial resync", "offset", s.Offset.Load())
		return rest, nil
	default:
		return nil, fmt.Errorf("unexpected reply to PSYNC: %v", resp)
	}
}

// skipSnapshot discards the RDB transfer, which is sized like a bulk string
// but has no terminator, so it cannot go through the decoder.
func skipSnapshot(r io.Reader, log *slog.Logger) (io.Reader, error) {
	br := bufio.NewReader(r)
	var line string
	for {
		l, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		// the leader may send newlines as keepalives while it saves
		if l != "\n" {
			line = strings.TrimSuffix(l, "\r\n")
			break
		}
	}
	if !strings.HasPrefix(line, "$") {
		return nil, fmt.Errorf("expected snapshot length, got %q", line)
	}
	size, err := strconv.ParseInt(line[1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("snapshot length: %w", err)
	}
	n, err := io.CopyN(io.Discard, br, size)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("snapshot cut short after %d of %d bytes", n, size), err)
	}
	log.Info("skipped snapshot", "bytes", size)
	return br, nil
}

// replconfAck sends the processed offset to the leader.
func (s *Subscriber) replconfAck(w *protocol.Conn) error {
	_, err := w.Write(protocol.Command("REPLCONF", "ACK", strconv.FormatInt(s.Offset.Load(), 10)))
	if err != nil {
		return err
	}
	return w.Flush()
}
