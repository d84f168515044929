package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/awinterman/respwire/checkpoint"
	"github.com/awinterman/respwire/journal"
	"github.com/awinterman/respwire/protocol"
	"github.com/awinterman/respwire/replication"
	"github.com/awinterman/respwire/server"
	"github.com/awinterman/respwire/tap"
	"github.com/davecgh/go-spew/spew"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"
)

const traceLevel = slog.Level(-8)

var dumper = spew.ConfigState{Indent: "  ", DisableMethods: true, DisablePointerAddresses: true}

type DecodeCmd struct {
	File       string `arg:"positional" help:"file of frames to decode; stdin when empty"`
	MaxBulkLen int64  `arg:"--max-bulk-len" help:"max length of bulk string"`
	Dump       bool   `arg:"--dump" help:"print the full structure of every frame"`
}

type TapCmd struct {
	server.Config
}

type ReplayCmd struct {
	Brokers       []string `arg:"--kafka-brokers,required,env:RW_KAFKA_BROKERS" help:"kafka brokers holding the journal"`
	Topic         string   `arg:"--topic,env:RW_TOPIC" default:"respwire-replies" help:"journal topic"`
	Group         string   `arg:"--group,env:RW_GROUP" help:"consumer group; none when empty"`
	CheckpointDir string   `arg:"--checkpoints,env:RW_CHECKPOINT_DIR" help:"checkpoint directory; in memory when empty"`
	Dump          bool     `arg:"--dump" help:"print the full structure of every frame"`
}

type FollowCmd struct {
	Leader  string   `arg:"--leader,required,env:RW_LEADER" help:"address of the server to replicate from"`
	MyAddr  string   `arg:"--my-address,env:RW_MY_ADDRESS" default:"127.0.0.1:6380" help:"address reported to the leader"`
	Brokers []string `arg:"--kafka-brokers,env:RW_KAFKA_BROKERS" help:"journal replicated commands to these kafka brokers"`
	Topic   string   `arg:"--topic,env:RW_TOPIC" default:"respwire-commands" help:"journal topic"`
	Dump    bool     `arg:"--dump" help:"print the full structure of every command"`
}

type args struct {
	Decode *DecodeCmd `arg:"subcommand:decode" help:"decode frames from a file or stdin"`
	Tap    *TapCmd    `arg:"subcommand:tap" help:"run the decoding proxy"`
	Replay *ReplayCmd `arg:"subcommand:replay" help:"decode the frames in a kafka journal"`
	Follow *FollowCmd `arg:"subcommand:follow" help:"print the commands a server replicates"`

	LogLevel string `arg:"--log-level,env:RW_LOG_LEVEL" default:"info" help:"trace, debug, info, warn or error"`
}

func (args) Description() string {
	return "respwire decodes redis protocol replies.\n"
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	level, err := parseLevel(a.LogLevel)
	if err != nil {
		p.Fail(err.Error())
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.LevelKey && attr.Value.Any() == traceLevel {
				attr.Value = slog.StringValue("TRACE")
			}
			return attr
		},
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case a.Decode != nil:
		err = runDecode(ctx, a.Decode, os.Stdin, os.Stdout)
	case a.Tap != nil:
		err = runTap(ctx, a.Tap)
	case a.Replay != nil:
		err = runReplay(ctx, a.Replay, os.Stdout)
	case a.Follow != nil:
		err = runFollow(ctx, a.Follow, os.Stdout)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("exiting;", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "trace") {
		return traceLevel, nil
	}
	var l slog.Level
	err := l.UnmarshalText([]byte(s))
	return l, err
}

func printFrame(out io.Writer, dump bool, prefix string, v protocol.Value, err error) {
	var se *protocol.ServerError
	switch {
	case errors.As(err, &se):
		fmt.Fprintf(out, "%s(error) %s %s\n", prefix, se.Code, se.Detail)
	case err != nil:
		fmt.Fprintf(out, "%s(failure) %v\n", prefix, err)
	case dump:
		fmt.Fprint(out, prefix)
		dumper.Fdump(out, v)
	default:
		fmt.Fprintf(out, "%s%v\n", prefix, v)
	}
}

func runDecode(ctx context.Context, cmd *DecodeCmd, stdin io.Reader, out io.Writer) error {
	in := stdin
	if cmd.File != "" {
		f, err := os.Open(cmd.File)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	var opts []protocol.Option
	if cmd.MaxBulkLen != 0 {
		opts = append(opts, protocol.WithMaxBulkLen(cmd.MaxBulkLen))
	}
	d := protocol.NewDecoder(opts...)

	var se *protocol.ServerError
	for v, err := range d.Iterate(ctx, in) {
		printFrame(out, cmd.Dump, "", v, err)
		if err != nil && !errors.As(err, &se) {
			return err
		}
	}
	slog.Debug("decoded", "bytes", d.Offset())
	return nil
}

func runTap(ctx context.Context, cmd *TapCmd) error {
	conf := &cmd.Config
	if err := conf.Complete(); err != nil {
		return err
	}

	proxy, err := tap.New(conf.Upstreams, conf.PoolSize, protocol.WithMaxBulkLen(conf.GetMaxSize()))
	if err != nil {
		return err
	}
	defer proxy.Close()

	metrics := server.NewMetrics()
	proxy.Recorder = metrics

	if len(conf.Brokers) > 0 {
		client, err := kgo.NewClient(
			kgo.ClientID("respwire"),
			kgo.SeedBrokers(conf.Brokers...),
			kgo.AllowAutoTopicCreation(),
			kgo.DefaultProduceTopic(conf.Topic),
		)
		if err != nil {
			return err
		}
		defer client.Close()
		producer := journal.NewProducer(client, conf.Topic)
		producer.MaxRecordBytes = conf.MaxRecordBytes
		proxy.Journal = producer
		defer func() {
			if err := producer.Flush(context.Background()); err != nil {
				slog.Error("flushing journal", "error", err)
			}
		}()
	}

	s, err := server.New(ctx, conf, proxy.Handle)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(ctx) })
	if conf.AdminAddress != "" {
		g.Go(func() error {
			return server.ServeAdmin(ctx, conf.AdminAddress, server.NewAdmin(metrics, proxy.Health))
		})
	}
	return g.Wait()
}

func runReplay(ctx context.Context, cmd *ReplayCmd, out io.Writer) error {
	store, err := checkpoint.Open(cmd.CheckpointDir)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := []kgo.Opt{
		kgo.ClientID("respwire-replay"),
		kgo.SeedBrokers(cmd.Brokers...),
		kgo.ConsumeTopics(cmd.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	if cmd.Group != "" {
		opts = append(opts, kgo.ConsumerGroup(cmd.Group))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	c := journal.NewConsumer(client, store, func(stream string, v protocol.Value, err error) error {
		printFrame(out, cmd.Dump, stream+"\t", v, err)
		return nil
	})
	return c.Run(ctx)
}

func runFollow(ctx context.Context, cmd *FollowCmd, out io.Writer) error {
	var producer *journal.Producer
	if len(cmd.Brokers) > 0 {
		client, err := kgo.NewClient(
			kgo.ClientID("respwire-follow"),
			kgo.SeedBrokers(cmd.Brokers...),
			kgo.AllowAutoTopicCreation(),
			kgo.DefaultProduceTopic(cmd.Topic),
		)
		if err != nil {
			return err
		}
		defer client.Close()
		producer = journal.NewProducer(client, cmd.Topic)
		defer func() {
			if err := producer.Flush(context.Background()); err != nil {
				slog.Error("flushing journal", "error", err)
			}
		}()
	}

	s := &replication.Subscriber{
		LeaderAddr: cmd.Leader,
		MyAddr:     cmd.MyAddr,
		Logger:     slog.With("comp", "replication"),
	}
	var buf []byte
	return s.StreamUpdates(ctx, func(v protocol.Value) error {
		printFrame(out, cmd.Dump, "", v, nil)
		if producer != nil {
			buf = protocol.AppendValue(buf[:0], v)
			producer.Append(ctx, cmd.Leader, buf, nil)
		}
		return nil
	})
}
