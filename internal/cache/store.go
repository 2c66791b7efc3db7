package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/tunecache/internal/storage"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	bucketRecords = []byte("records")
	bucketJournal = []byte("journal")
)

// DefaultMinSize is the smallest payload considered a valid record.
const DefaultMinSize = 1024

// Options configures a Store.
type Options struct {
	// Dir holds blobs/ and tmp/. Required.
	Dir string
	// Database is the bbolt file; defaults to Dir/cache.db
	Database string
	// MinSize is the smallest valid record; defaults to DefaultMinSize
	MinSize int64
	Logger  *log.Logger
	// Now defaults to time.Now
	Now func() time.Time
}

// Store is the durable record store. Records live in bbolt; audio bytes
// live as blobs under the cache directory. Every mutation that touches both
// goes through the journal so a crash never leaves a record without bytes.
type Store struct {
	db      *bolt.DB
	blobDir string
	tmpDir  string
	minSize int64
	logger  *log.Logger
	now     func() time.Time

	mu       sync.Mutex
	reserved map[Key]*Reservation
}

// Reservation is the exclusive right to commit a record for one key.
type Reservation struct {
	key   Key
	token string

	// Guarded by Store.mu
	done       bool
	record     *Record
	committing chan struct{} // closed when the running commit returns
}

// Key returns the reserved key.
func (r *Reservation) Key() Key { return r.key }

// Token returns the unique reservation token.
func (r *Reservation) Token() string { return r.token }

// Open opens the store, creating it if needed, and recovers from any
// interrupted commit or delete.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if opts.Database == "" {
		opts.Database = filepath.Join(opts.Dir, "cache.db")
	}
	if opts.MinSize <= 0 {
		opts.MinSize = DefaultMinSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Default().WithPrefix("cache")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		blobDir:  filepath.Join(opts.Dir, "blobs"),
		tmpDir:   filepath.Join(opts.Dir, "tmp"),
		minSize:  opts.MinSize,
		logger:   opts.Logger,
		now:      opts.Now,
		reserved: make(map[Key]*Reservation),
	}
	for _, dir := range []string{s.blobDir, s.tmpDir, filepath.Dir(opts.Database)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %w", ErrStorage, dir, err)
		}
	}

	db, err := bolt.Open(opts.Database, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open bolt db: %w", ErrStorage, err)
	}
	s.db = db

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketJournal} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create buckets: %w", ErrStorage, err)
	}

	if err := s.recover(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// TempDir is where in-flight disk buffers should be created so that
// Commit can move them into place with a rename.
func (s *Store) TempDir() string {
	return s.tmpDir
}

// Lookup returns the record for key. A record whose bytes are missing or
// smaller than the minimum size is removed and reported as a miss.
func (s *Store) Lookup(key Key) (*Record, bool, error) {
	rec, err := s.get(key)
	if err != nil || rec == nil {
		return nil, false, err
	}
	if s.valid(rec) {
		return rec, true, nil
	}

	s.logger.Warn("removing invalid cache record", "key", key, "size", rec.Size)
	if _, err := s.Delete(key); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

// GetOrReserve returns the record for key if one exists. Otherwise it
// reserves the key for the caller, or fails with ErrReserved when another
// caller holds the reservation.
func (s *Store) GetOrReserve(key Key) (*Record, *Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reserved[key]; ok {
		return nil, nil, ErrReserved
	}

	// The mutex keeps a concurrent Commit for this key from landing
	// between the read and the reservation.
	rec, err := s.get(key)
	if err != nil {
		return nil, nil, err
	}
	if rec != nil {
		if s.valid(rec) {
			return rec, nil, nil
		}
		s.logger.Warn("replacing invalid cache record", "key", key, "size", rec.Size)
		if _, err := s.Delete(key); err != nil {
			return nil, nil, err
		}
	}

	res := &Reservation{key: key, token: uuid.NewString()}
	s.reserved[key] = res
	return nil, res, nil
}

// Commit stores the payload and record for a reservation. Committing the
// same reservation again returns the record from the first commit. A
// Commit that overlaps a running one waits for it and returns its record.
func (s *Store) Commit(res *Reservation, data RecordData) (*Record, error) {
	s.mu.Lock()
	for res.committing != nil {
		wait := res.committing
		s.mu.Unlock()
		<-wait
		s.mu.Lock()
	}
	if res.record != nil {
		rec := *res.record
		s.mu.Unlock()
		return &rec, nil
	}
	if res.done || s.reserved[res.key] != res {
		s.mu.Unlock()
		return nil, ErrReservationClosed
	}
	res.committing = make(chan struct{})
	s.mu.Unlock()

	rec, err := s.commit(res, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	close(res.committing)
	res.committing = nil
	if err != nil {
		return nil, err
	}
	res.done = true
	res.record = rec
	delete(s.reserved, res.key)
	out := *rec
	return &out, nil
}

func (s *Store) commit(res *Reservation, data RecordData) (*Record, error) {
	key := res.key
	rec := &Record{
		Key:        key,
		Format:     data.Format,
		Title:      data.Title,
		Album:      data.Album,
		Artist:     data.Artist,
		SourceText: data.SourceText,
		CoverRef:   data.CoverRef,
		Duration:   int64(data.Duration / time.Second),
		CreatedAt:  s.now().UTC(),
	}

	// The token keeps blob names unique, so a stale intent can never
	// name the bytes of a later commit.
	base := fmt.Sprintf("%d-%s-%s", key.ItemID, key.Quality, res.token[:8])
	var paths []string
	if data.Audio != nil {
		rec.Location = Location{Kind: LocationFile, Path: filepath.Join(s.blobDir, base+data.Format.Ext())}
		paths = append(paths, rec.Location.Path)
	} else {
		rec.Location = Location{Kind: LocationRef, Ref: data.Ref}
	}
	if len(data.Thumbnail) > 0 {
		rec.ThumbnailRef = filepath.Join(s.blobDir, base+".thumb.jpg")
		paths = append(paths, rec.ThumbnailRef)
	}

	seq, err := s.beginIntent(intent{Op: opCommit, Keys: []Key{key}, Paths: paths})
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*Record, error) {
		removePaths(paths)
		if jerr := s.endIntent(seq); jerr != nil {
			s.logger.Warn("failed to drop journal intent", "key", key, "error", jerr)
		}
		return nil, err
	}

	if data.Audio != nil {
		size, err := s.placeAudio(data.Audio, rec.Location.Path)
		if err != nil {
			return fail(err)
		}
		rec.Size = size
	}
	if len(data.Thumbnail) > 0 {
		if err := s.writeFile(rec.ThumbnailRef, bytes.NewReader(data.Thumbnail)); err != nil {
			return fail(err)
		}
	}
	if rec.Duration > 0 {
		rec.BitrateBPS = 8 * rec.Size / rec.Duration
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fail(fmt.Errorf("marshal record: %w", err))
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRecords).Put(key.dbKey(), payload); err != nil {
			return err
		}
		return tx.Bucket(bucketJournal).Delete(seqKey(seq))
	})
	if err != nil {
		return fail(fmt.Errorf("%w: write record: %w", ErrStorage, err))
	}

	s.logger.Debug("committed cache record", "key", key, "size", rec.Size, "format", rec.Format)
	return rec, nil
}

// placeAudio moves or writes the payload to path and returns its size.
// The buffer is always released.
func (s *Store) placeAudio(buf storage.Buffer, path string) (int64, error) {
	defer buf.Discard()

	if disk, ok := buf.(*storage.DiskBuffer); ok {
		if err := disk.MoveTo(path); err != nil {
			return 0, err
		}
		if err := syncDir(filepath.Dir(path)); err != nil {
			return 0, err
		}
	} else {
		if err := buf.Finish(); err != nil {
			return 0, err
		}
		rc, err := buf.Open()
		if err != nil {
			return 0, fmt.Errorf("%w: open buffer: %w", ErrStorage, err)
		}
		err = s.writeFile(path, rc)
		rc.Close()
		if err != nil {
			return 0, err
		}
	}

	st, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: stat blob: %w", ErrStorage, err)
	}
	return st.Size(), nil
}

// writeFile writes r to path through a synced temp file and a rename.
func (s *Store) writeFile(path string, r io.Reader) error {
	f, err := os.CreateTemp(s.tmpDir, "blob-*.part")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", ErrStorage, err)
	}
	tmp := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: write blob: %w", ErrStorage, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: sync blob: %w", ErrStorage, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: close blob: %w", ErrStorage, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename blob: %w", ErrStorage, err)
	}
	return syncDir(filepath.Dir(path))
}

// Abort releases a reservation without committing and discards buf if
// it is not nil. Aborting a finished reservation, or one with a commit
// under way, is a no-op.
func (s *Store) Abort(res *Reservation, buf storage.Buffer) {
	if buf != nil {
		if err := buf.Discard(); err != nil {
			s.logger.Warn("failed to discard buffer", "key", res.key, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if res.done || res.committing != nil {
		return
	}
	res.done = true
	if s.reserved[res.key] == res {
		delete(s.reserved, res.key)
	}
}

// Delete removes the record for key and its bytes. It reports whether a
// record existed.
func (s *Store) Delete(key Key) (bool, error) {
	n, err := s.deleteMatching(func(tx *bolt.Tx) ([]*Record, error) {
		rec, err := decodeRecord(tx.Bucket(bucketRecords).Get(key.dbKey()))
		if err != nil || rec == nil {
			return nil, err
		}
		return []*Record{rec}, nil
	})
	return n > 0, err
}

// DeleteItem removes the records of every quality tier of an item and
// returns how many were removed.
func (s *Store) DeleteItem(itemID int64) (int, error) {
	prefix := itemPrefix(itemID)
	return s.deleteMatching(func(tx *bolt.Tx) ([]*Record, error) {
		var recs []*Record
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
		return recs, nil
	})
}

// ClearAll removes every record and returns how many were removed.
func (s *Store) ClearAll() (int, error) {
	return s.deleteMatching(func(tx *bolt.Tx) ([]*Record, error) {
		var recs []*Record
		err := tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
		return recs, err
	})
}

// deleteMatching removes the records selected by find together with a
// delete intent in one transaction, then removes their bytes and drops
// the intent.
func (s *Store) deleteMatching(find func(*bolt.Tx) ([]*Record, error)) (int, error) {
	var (
		removed []*Record
		seq     uint64
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		recs, err := find(tx)
		if err != nil || len(recs) == 0 {
			return err
		}
		in := intent{Op: opDelete}
		for _, rec := range recs {
			in.Keys = append(in.Keys, rec.Key)
			in.Paths = append(in.Paths, rec.paths()...)
		}
		if seq, err = putIntent(tx, in); err != nil {
			return err
		}
		b := tx.Bucket(bucketRecords)
		for _, rec := range recs {
			if err := b.Delete(rec.Key.dbKey()); err != nil {
				return err
			}
		}
		removed = recs
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: delete records: %w", ErrStorage, err)
	}
	if len(removed) == 0 {
		return 0, nil
	}

	for _, rec := range removed {
		removePaths(rec.paths())
	}
	if err := s.endIntent(seq); err != nil {
		// The records are gone; recovery drops the intent on next open.
		s.logger.Warn("failed to drop journal intent", "error", err)
	}
	s.logger.Debug("deleted cache records", "count", len(removed))
	return len(removed), nil
}

// Count returns the number of committed records.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketRecords).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: count records: %w", ErrStorage, err)
	}
	return n, nil
}

// Stats summarizes the store.
func (s *Store) Stats() (Stats, error) {
	st := Stats{ByFormat: make(map[storage.Format]int)}
	err := s.each(func(rec *Record) error {
		st.Records++
		st.Bytes += rec.Size
		st.ByFormat[rec.Format]++
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	st.Reserved = len(s.reserved)
	s.mu.Unlock()
	return st, nil
}

// OpenAudio opens the bytes of a file record.
func (s *Store) OpenAudio(rec *Record) (io.ReadCloser, error) {
	if rec.Location.Kind != LocationFile {
		return nil, fmt.Errorf("record %s is not stored locally", rec.Key)
	}
	f, err := os.Open(rec.Location.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open blob: %w", ErrStorage, err)
	}
	return f, nil
}

func (s *Store) get(key Key) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = decodeRecord(tx.Bucket(bucketRecords).Get(key.dbKey()))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read record: %w", ErrStorage, err)
	}
	return rec, nil
}

func (s *Store) each(fn func(*Record) error) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			return fn(rec)
		})
	})
	if err != nil {
		return fmt.Errorf("%w: scan records: %w", ErrStorage, err)
	}
	return nil
}

// valid reports whether the record's bytes exist and are large enough.
func (s *Store) valid(rec *Record) bool {
	if rec.Location.Kind != LocationFile {
		return true
	}
	st, err := os.Stat(rec.Location.Path)
	if err != nil {
		return false
	}
	return st.Size() >= s.minSize
}

func (r *Record) paths() []string {
	var paths []string
	if r.Location.Kind == LocationFile && r.Location.Path != "" {
		paths = append(paths, r.Location.Path)
	}
	if r.ThumbnailRef != "" {
		paths = append(paths, r.ThumbnailRef)
	}
	return paths
}

func decodeRecord(v []byte) (*Record, error) {
	if v == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func removePaths(paths []string) {
	for _, p := range paths {
		os.Remove(p) // Ignore errors
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: open dir: %w", ErrStorage, err)
	}
	defer d.Close()
	// Some file systems refuse to sync directories; the rename itself
	// already happened.
	_ = d.Sync()
	return nil
}
