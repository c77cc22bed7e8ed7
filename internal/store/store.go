// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

// Package store persists job definitions and run state in an embedded
// Badger database so registered schedules survive a restart.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ssewanyana/dhisync/internal/logging"
	"github.com/ssewanyana/dhisync/internal/models"
)

const (
	jobPrefix   = "job:"
	statePrefix = "state:"
)

// JobStore is the persistent registry of job definitions and their run
// state.
type JobStore struct {
	db     *badger.DB
	logger zerolog.Logger
}

// Open opens or creates the store at path.
func Open(path string) (*JobStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening job store at %s: %w", path, err)
	}
	return &JobStore{
		db:     db,
		logger: logging.With().Str("component", "store").Logger(),
	}, nil
}

// Close releases the database.
func (s *JobStore) Close() error {
	return s.db.Close()
}

// Put stores or replaces a job definition.
func (s *JobStore) Put(def models.JobDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", def.Name, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(jobPrefix+def.Name), data)
	})
	if err != nil {
		return fmt.Errorf("storing job %s: %w", def.Name, err)
	}
	return nil
}

// Get loads one job definition by name.
func (s *JobStore) Get(name string) (models.JobDefinition, error) {
	var def models.JobDefinition
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(jobPrefix + name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &def)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return def, fmt.Errorf("%w: job %q", models.ErrNotFound, name)
	}
	if err != nil {
		return def, fmt.Errorf("loading job %s: %w", name, err)
	}
	return def, nil
}

// Delete removes a job definition and its run state.
func (s *JobStore) Delete(name string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(jobPrefix + name)); err != nil {
			return err
		}
		return txn.Delete([]byte(statePrefix + name))
	})
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", name, err)
	}
	return nil
}

// List returns all stored job definitions in name order.
func (s *JobStore) List() ([]models.JobDefinition, error) {
	var defs []models.JobDefinition
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(jobPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var def models.JobDefinition
				if err := json.Unmarshal(val, &def); err != nil {
					return err
				}
				defs = append(defs, def)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return defs, nil
}

// PutState persists a job's run state.
func (s *JobStore) PutState(name string, state models.RunState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding run state %s: %w", name, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(statePrefix+name), data)
	})
	if err != nil {
		return fmt.Errorf("storing run state %s: %w", name, err)
	}
	return nil
}

// States loads all persisted run states keyed by job name.
func (s *JobStore) States() (map[string]models.RunState, error) {
	states := map[string]models.RunState{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(statePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name := strings.TrimPrefix(string(item.Key()), statePrefix)
			err := item.Value(func(val []byte) error {
				var st models.RunState
				if err := json.Unmarshal(val, &st); err != nil {
					return err
				}
				states[name] = st
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing run states: %w", err)
	}
	return states, nil
}

// GCService runs Badger's value log garbage collection on an interval.
// Implements suture.Service.
type GCService struct {
	store    *JobStore
	interval time.Duration
}

// NewGCService creates the GC service with a 10 minute interval.
func NewGCService(store *JobStore) *GCService {
	return &GCService{store: store, interval: 10 * time.Minute}
}

// Serve runs until the context is cancelled.
func (g *GCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to collect.
			if err := g.store.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				g.store.logger.Warn().Err(err).Msg("Value log GC failed")
			}
		}
	}
}

// String implements suture's namer.
func (g *GCService) String() string {
	return "store-gc"
}
