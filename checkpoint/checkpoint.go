// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package checkpoint: where a replay of a journal stream stopped, including
// the frame that was only half decoded at the time.
package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/awinterman/respwire/protocol"
	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

var keyprefix = "respwire:checkpoint:"

// Checkpoint is the position of one stream.
type Checkpoint struct {
	// Offset is the next journal offset to fetch.
	Offset int64
	// State is the decoder continuation after the last consumed record.
	State protocol.State
}

type Store struct {
	DB  *badger.DB
	Log *slog.Logger

	enc cbor.EncMode
}

// Open opens the store in dir. An empty dir keeps everything in memory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithInMemory(dir == "").WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already open database.
func New(db *badger.DB) (*Store, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return &Store{DB: db, Log: slog.With("comp", "checkpoint"), enc: enc}, nil
}

// Load returns the checkpoint of stream. ok is false when none was saved.
func (s *Store) Load(stream string) (cp Checkpoint, ok bool, err error) {
	err = s.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyprefix + stream))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		ok = true
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &cp)
		})
	})
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("load checkpoint %q: %w", stream, err)
	}
	s.Log.Debug("loaded", "stream", stream, "found", ok, "offset", cp.Offset)
	return cp, ok, nil
}

// Save writes every checkpoint in cps in one transaction.
func (s *Store) Save(cps map[string]Checkpoint) error {
	return s.DB.Update(func(txn *badger.Txn) error {
		for stream, cp := range cps {
			val, err := s.enc.Marshal(cp)
			if err != nil {
				return fmt.Errorf("encode checkpoint %q: %w", stream, err)
			}
			err = txn.SetEntry(badger.NewEntry([]byte(keyprefix+stream), val))
			if err != nil {
				return err
			}
			s.Log.Debug("saved", "stream", stream, "offset", cp.Offset, "boundary", cp.State.Boundary())
		}
		return nil
	})
}

// Delete forgets stream.
func (s *Store) Delete(stream string) error {
	return s.DB.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyprefix + stream))
	})
}

// Streams lists the streams that have a checkpoint.
func (s *Store) Streams() ([]string, error) {
	var streams []string
	err := s.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyprefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			streams = append(streams, string(it.Item().Key()[len(keyprefix):]))
		}
		return nil
	})
	return streams, err
}

func (s *Store) Close() error {
	return s.DB.Close()
}
