package cache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

type intentOp string

const (
	opCommit intentOp = "commit"
	opDelete intentOp = "delete"
)

// intent is a journal row written before bytes and records are changed
// together. A surviving intent means the operation did not finish: for a
// commit the record was never written, for a delete the records are
// already gone. Either way its paths are garbage.
type intent struct {
	Op    intentOp `json:"op"`
	Keys  []Key    `json:"keys"`
	Paths []string `json:"paths"`
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func putIntent(tx *bolt.Tx, in intent) (uint64, error) {
	b := tx.Bucket(bucketJournal)
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	v, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	return seq, b.Put(seqKey(seq), v)
}

func (s *Store) beginIntent(in intent) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		seq, err = putIntent(tx, in)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: write journal: %w", ErrStorage, err)
	}
	return seq, nil
}

func (s *Store) endIntent(seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJournal).Delete(seqKey(seq))
	})
}

// recover replays unfinished intents, drops records whose bytes are gone
// and clears stray temp files.
func (s *Store) recover() error {
	var pending []intent
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var in intent
			if err := json.Unmarshal(v, &in); err != nil {
				s.logger.Warn("skipping unreadable journal entry", "error", err)
			} else {
				pending = append(pending, in)
			}
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: replay journal: %w", ErrStorage, err)
	}
	for _, in := range pending {
		s.logger.Info("rolling back interrupted operation", "op", in.Op, "keys", len(in.Keys))
		removePaths(in.Paths)
	}

	var missing []Key
	err = s.each(func(rec *Record) error {
		if rec.Location.Kind != LocationFile {
			return nil
		}
		if _, err := os.Stat(rec.Location.Path); err != nil {
			missing = append(missing, rec.Key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		s.logger.Warn("dropping records with missing files", "count", len(missing))
		err = s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketRecords)
			for _, key := range missing {
				if err := b.Delete(key.dbKey()); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: drop records: %w", ErrStorage, err)
		}
	}

	entries, err := os.ReadDir(s.tmpDir)
	if err != nil {
		return fmt.Errorf("%w: read temp dir: %w", ErrStorage, err)
	}
	for _, e := range entries {
		os.Remove(filepath.Join(s.tmpDir, e.Name())) // Ignore errors
	}
	return nil
}
