// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package journal:
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/awinterman/respwire/checkpoint"
	"github.com/awinterman/respwire/protocol"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Fetcher is the part of *kgo.Client the consumer reads through.
type Fetcher interface {
	PollFetches(ctx context.Context) kgo.Fetches
}

// Handler receives each decoded frame of stream. err is a *protocol.ServerError
// for error frames, or the failure that broke the stream. Returning an error
// stops the consumer.
type Handler func(stream string, v protocol.Value, err error) error

// Consumer decodes every stream of a journal with its own push mode decoder.
// Records may end anywhere inside a frame.
type Consumer struct {
	Source Fetcher
	Handle Handler
	// Store, if set, keeps each stream's position and decoder state between
	// runs.
	Store   *checkpoint.Store
	Options []protocol.Option
	Log     *slog.Logger

	streams map[string]*stream
}

type stream struct {
	dec   *protocol.Decoder
	next  int64
	dirty bool
}

func NewConsumer(client *kgo.Client, store *checkpoint.Store, h Handler) *Consumer {
	return &Consumer{Source: client, Store: store, Handle: h, Log: slog.With("comp", "journal")}
}

// StreamName identifies the stream a record belongs to.
func StreamName(r *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%s", r.Topic, r.Partition, r.Key)
}

func (c *Consumer) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		fetches := c.Source.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				break
			}
			var err error
			for _, e := range errs {
				err = errors.Join(err, fmt.Errorf("fetch %s/%d: %w", e.Topic, e.Partition, e.Err))
			}
			return err
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			if err := c.Consume(iter.Next()); err != nil {
				return err
			}
		}
		if err := c.Checkpoint(); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Consume decodes one record. Records at or before the stream's checkpoint
// are skipped.
func (c *Consumer) Consume(r *kgo.Record) error {
	name := StreamName(r)
	s, err := c.stream(name)
	if err != nil {
		return err
	}
	if r.Offset < s.next {
		c.Log.Debug("skipping", "stream", name, "offset", r.Offset, "next", s.next)
		return nil
	}

	p := r.Value
	for len(p) > 0 {
		n, v, ok, err := s.dec.Feed(p)
		p = p[n:]
		if ok {
			if herr := c.Handle(name, v, err); herr != nil {
				return herr
			}
			continue
		}
		if err != nil {
			c.Log.Error("stream broken", "stream", name, "offset", r.Offset, "err", err)
			if herr := c.Handle(name, protocol.Value{}, err); herr != nil {
				return herr
			}
			// nothing later in the record can be trusted
			s.dec.Reset()
			break
		}
	}
	s.next = r.Offset + 1
	s.dirty = true
	return nil
}

// Checkpoint saves the streams that moved since the last call.
func (c *Consumer) Checkpoint() error {
	if c.Store == nil {
		return nil
	}
	cps := map[string]checkpoint.Checkpoint{}
	for name, s := range c.streams {
		if s.dirty {
			cps[name] = checkpoint.Checkpoint{Offset: s.next, State: s.dec.State()}
		}
	}
	if len(cps) == 0 {
		return nil
	}
	if err := c.Store.Save(cps); err != nil {
		return err
	}
	for name := range cps {
		c.streams[name].dirty = false
	}
	return nil
}

func (c *Consumer) stream(name string) (*stream, error) {
	if s, ok := c.streams[name]; ok {
		return s, nil
	}
	if c.streams == nil {
		c.streams = map[string]*stream{}
	}
	s := &stream{dec: protocol.NewDecoder(c.Options...)}
	if c.Store != nil {
		cp, ok, err := c.Store.Load(name)
		if err != nil {
			return nil, err
		}
		if ok {
			s.dec.Restore(cp.State)
			s.next = cp.Offset
		}
	}
	c.streams[name] = s
	return s, nil
}
