// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package journal: decoded frames written to, and read back from, a kafka
// topic.
package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Sink is the part of *kgo.Client the producer writes through.
type Sink interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
}

// Producer journals frames, keyed by the stream they were read from. Records
// with the same key land on the same partition in order, so a consumer can
// reassemble frames that were split across records.
type Producer struct {
	Sink  Sink
	Topic string
	// MaxRecordBytes splits a frame across records of at most this many
	// bytes. Zero writes each frame as one record.
	MaxRecordBytes int
	Log            *slog.Logger

	// keys holds a *sync.Mutex per key, so the records of one frame are
	// produced back to back.
	keys sync.Map
}

func NewProducer(client *kgo.Client, topic string) *Producer {
	return &Producer{Sink: client, Topic: topic, Log: slog.With("comp", "journal")}
}

// Append produces frame under key. cb, if set, is called once every record
// holding the frame was acknowledged or failed.
func (p *Producer) Append(ctx context.Context, key string, frame []byte, cb func(error)) {
	pieces := chunk(frame, p.MaxRecordBytes)

	var mu sync.Mutex
	var errs []error
	remaining := len(pieces)
	promise := func(r *kgo.Record, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			p.Log.Error("produce failed", "key", key, "err", err)
			errs = append(errs, err)
		}
		remaining--
		if remaining == 0 && cb != nil {
			cb(errors.Join(errs...))
		}
	}

	l, _ := p.keys.LoadOrStore(key, &sync.Mutex{})
	lock := l.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()
	for _, piece := range pieces {
		// the caller may reuse frame
		value := make([]byte, len(piece))
		copy(value, piece)
		p.Sink.Produce(ctx, &kgo.Record{
			Key:   []byte(key),
			Value: value,
			Topic: p.Topic,
		}, promise)
	}
}

// Flush waits for everything appended so far.
func (p *Producer) Flush(ctx context.Context) error {
	return p.Sink.Flush(ctx)
}

func chunk(b []byte, size int) [][]byte {
	if size <= 0 || len(b) <= size {
		return [][]byte{b}
	}
	pieces := make([][]byte, 0, (len(b)+size-1)/size)
	for len(b) > size {
		pieces = append(pieces, b[:size])
		b = b[size:]
	}
	return append(pieces, b)
}
