package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"futures-session-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) a BadgerDB database at dbPath.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is noisy at startup; errors still surface
	// from the DB operations themselves.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	return &badgerRepository{db: db}, nil
}

func brokerKey(symbol string) []byte {
	return []byte("broker:" + symbol)
}

func sessionKey(symbol string) []byte {
	return []byte("session:" + symbol)
}

// SaveBrokerState marshals the snapshot to JSON and writes it in one
// transaction, so a checkpoint is either fully visible or not at all.
func (r *badgerRepository) SaveBrokerState(snap *models.BrokerSnapshot) error {
	if snap.Symbol == "" {
		return errors.New("broker snapshot has no symbol")
	}
	return r.save(brokerKey(snap.Symbol), snap)
}

// LoadBrokerState returns (nil, nil) when no checkpoint exists for the
// symbol; callers treat that as a fresh start.
func (r *badgerRepository) LoadBrokerState(symbol string) (*models.BrokerSnapshot, error) {
	var snap models.BrokerSnapshot
	found, err := r.load(brokerKey(symbol), &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

// SaveSessionState atomically saves a session checkpoint.
func (r *badgerRepository) SaveSessionState(snap *models.SessionSnapshot) error {
	if snap.Symbol == "" {
		return errors.New("session snapshot has no symbol")
	}
	return r.save(sessionKey(snap.Symbol), snap)
}

// LoadSessionState returns (nil, nil) when no checkpoint exists.
func (r *badgerRepository) LoadSessionState(symbol string) (*models.SessionSnapshot, error) {
	var snap models.SessionSnapshot
	found, err := r.load(sessionKey(symbol), &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

func (r *badgerRepository) save(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// load reports whether the key existed; a missing key is not an error.
func (r *badgerRepository) load(key []byte, v any) (bool, error) {
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
