package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/noah-isme/engagement-pipeline/internal/models"
	"github.com/noah-isme/engagement-pipeline/pkg/anonymizer"
)

// storedSalt is the persisted form; models.DailySalt hides the value from JSON.
type storedSalt struct {
	Day       string    `json:"day"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s storedSalt) model() *models.DailySalt {
	return &models.DailySalt{Day: s.Day, Value: s.Value, CreatedAt: s.CreatedAt}
}

func saltKey(day string) []byte {
	return append(append([]byte{}, prefixSalt...), day...)
}

// GetSalt returns the device salt for day.
func (s *Store) GetSalt(_ context.Context, day string) (*models.DailySalt, error) {
	var salt storedSalt
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(saltKey(day))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &salt) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, anonymizer.ErrSaltNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get salt %s: %w", day, err)
	}
	return salt.model(), nil
}

// CreateSalt stores salt unless the day already has one and returns the stored salt.
func (s *Store) CreateSalt(_ context.Context, salt *models.DailySalt) (*models.DailySalt, error) {
	var stored storedSalt
	err := s.update(func(txn *badger.Txn) error {
		key := saltKey(salt.Day)
		item, err := txn.Get(key)
		if err == nil {
			return item.Value(func(val []byte) error { return json.Unmarshal(val, &stored) })
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		stored = storedSalt{Day: salt.Day, Value: salt.Value, CreatedAt: salt.CreatedAt}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = s.now().UTC()
		}
		value, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return txn.Set(key, value)
	})
	if err != nil {
		return nil, fmt.Errorf("create salt %s: %w", salt.Day, err)
	}
	return stored.model(), nil
}

// PruneSalts deletes salts for days before cutoff's UTC day.
func (s *Store) PruneSalts(cutoff time.Time) (int, error) {
	boundary := models.DayOf(cutoff)
	removed := 0
	err := s.update(func(txn *badger.Txn) error {
		removed = 0
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixSalt
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key[len(prefixSalt):]) < boundary {
				keys = append(keys, key)
			}
		}
		it.Close()
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune salts: %w", err)
	}
	return removed, nil
}
