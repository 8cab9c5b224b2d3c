// Package store provides a local content-addressed library of stackvm programs.
//
// Encoded program bytes are stored as blobs in BadgerDB, keyed by their
// BLAKE3 content hash (the ProgramID). A separate bbolt index maps
// human-readable names to program IDs along with per-program metadata, so
// the runner can execute programs by name without re-reading files.
//
// Programs are validated through the codec before they are accepted; a
// malformed program never enters the library.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/stackvm/internal/types"
	"github.com/fortiblox/stackvm/pkg/codec"
)

var (
	// ErrProgramNotFound is returned when a program blob doesn't exist.
	ErrProgramNotFound = errors.New("program not found")

	// ErrNameNotFound is returned when a name is not in the index.
	ErrNameNotFound = errors.New("program name not found")

	// ErrNameExists is returned when adding a name that is already taken.
	ErrNameExists = errors.New("program name already exists")

	// ErrEmptyName is returned for an empty program name.
	ErrEmptyName = errors.New("program name must not be empty")

	// ErrCorruptBlob is returned when a stored blob no longer matches its
	// content hash.
	ErrCorruptBlob = errors.New("stored program does not match its content hash")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store closed")
)

// Key prefixes for BadgerDB storage.
var (
	// prefixBlob is the prefix for encoded program blobs.
	// Key format: prefixBlob + program ID (32 bytes)
	prefixBlob = []byte{0x01}
)

// Bucket names for the bbolt index.
var (
	// bucketPrograms maps program name -> gob-encoded Entry.
	bucketPrograms = []byte("programs")

	// bucketMetadata stores store-wide metadata.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyProgramCount = []byte("program_count")
)

// Blob flags. The first byte of every stored blob records how the payload
// is encoded.
const (
	blobRaw  = 0x00
	blobZstd = 0x01
)

// Entry describes one named program in the library.
type Entry struct {
	// Name is the human-readable name the program was added under.
	Name string

	// ID is the BLAKE3 content hash of the encoded program bytes.
	ID types.ProgramID

	// Size is the encoded program size in bytes.
	Size uint64

	// Instructions is the decoded instruction count.
	Instructions int

	// AddedAt is the unix timestamp the entry was created.
	AddedAt int64
}

// Config holds store configuration options.
type Config struct {
	// Dir is the directory holding the blob database and the name index.
	Dir string

	// SyncWrites makes every write durable before returning. Off by
	// default; the library is rebuildable from program files.
	SyncWrites bool

	// Compress stores blobs zstd-compressed.
	Compress bool
}

// DefaultConfig returns the default store configuration.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:        dir,
		SyncWrites: false,
		Compress:   true,
	}
}

// Store is the program library. It is safe for concurrent use; the
// underlying database handles are shared process-wide resources.
type Store struct {
	cfg Config

	db  *badger.DB // program blobs, content-addressed
	idx *bolt.DB   // name -> Entry index

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if necessary) the program library in cfg.Dir.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.Dir, "blobs")).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open blob db: %w", err)
	}

	idx, err := bolt.Open(filepath.Join(cfg.Dir, "index.db"), 0o600, &bolt.Options{
		NoSync: !cfg.SyncWrites,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open index db: %w", err)
	}

	err = idx.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPrograms); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMetadata)
		return err
	})
	if err != nil {
		idx.Close()
		db.Close()
		return nil, fmt.Errorf("init index buckets: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		idx.Close()
		db.Close()
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		idx.Close()
		db.Close()
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}

	return &Store{
		cfg: cfg,
		db:  db,
		idx: idx,
		enc: enc,
		dec: dec,
	}, nil
}

// Close closes the store. Further operations return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.enc.Close()
	s.dec.Close()

	idxErr := s.idx.Close()
	dbErr := s.db.Close()
	if idxErr != nil {
		return idxErr
	}
	return dbErr
}

// blobKey returns the BadgerDB key for a program blob.
func blobKey(id types.ProgramID) []byte {
	key := make([]byte, 1+types.ProgramIDSize)
	key[0] = prefixBlob[0]
	copy(key[1:], id[:])
	return key
}

// Put validates raw as an encoded program and adds it to the library
// under name. The blob is content-addressed, so adding the same program
// under two names stores it once.
func (s *Store) Put(name string, raw []byte) (types.ProgramID, Entry, error) {
	var entry Entry

	if name == "" {
		return types.ProgramID{}, entry, ErrEmptyName
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.ProgramID{}, entry, ErrClosed
	}

	// Fail fast on malformed programs; nothing partially decoded is stored.
	program, err := codec.Decode(bytes.NewReader(raw))
	if err != nil {
		return types.ProgramID{}, entry, fmt.Errorf("validate program: %w", err)
	}

	id := types.ProgramIDForBytes(raw)
	entry = Entry{
		Name:         name,
		ID:           id,
		Size:         uint64(len(raw)),
		Instructions: len(program),
		AddedAt:      time.Now().Unix(),
	}

	blob := s.packBlob(raw)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blobKey(id), blob)
	})
	if err != nil {
		return types.ProgramID{}, entry, fmt.Errorf("store blob: %w", err)
	}

	err = s.idx.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrograms)
		if b.Get([]byte(name)) != nil {
			return fmt.Errorf("%w: %q", ErrNameExists, name)
		}

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		if err := b.Put([]byte(name), buf.Bytes()); err != nil {
			return err
		}
		return bumpProgramCount(tx, 1)
	})
	if err != nil {
		return types.ProgramID{}, entry, err
	}

	return id, entry, nil
}

// Get retrieves the encoded program bytes for id and verifies them
// against the content hash.
func (s *Store) Get(id types.ProgramID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var blob []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(id))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrProgramNotFound, id)
		}
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	raw, err := s.unpackBlob(blob)
	if err != nil {
		return nil, err
	}
	if types.ProgramIDForBytes(raw) != id {
		return nil, fmt.Errorf("%w: %s", ErrCorruptBlob, id)
	}
	return raw, nil
}

// Resolve looks up a program entry by name.
func (s *Store) Resolve(name string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entry Entry
	if s.closed {
		return entry, ErrClosed
	}

	err := s.idx.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPrograms).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("%w: %q", ErrNameNotFound, name)
		}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(&entry)
	})
	return entry, err
}

// List returns all entries, ordered by name.
func (s *Store) List() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var entries []Entry
	err := s.idx.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrograms).ForEach(func(_, v []byte) error {
			var entry Entry
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&entry); err != nil {
				return fmt.Errorf("decode entry: %w", err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Delete removes a name from the index. The blob is removed as well once
// no remaining name references it.
func (s *Store) Delete(name string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	var id types.ProgramID
	var lastRef bool

	err := s.idx.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrograms)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("%w: %q", ErrNameNotFound, name)
		}

		var entry Entry
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
			return fmt.Errorf("decode entry: %w", err)
		}
		id = entry.ID

		if err := b.Delete([]byte(name)); err != nil {
			return err
		}
		if err := bumpProgramCount(tx, -1); err != nil {
			return err
		}

		lastRef = true
		return b.ForEach(func(_, v []byte) error {
			var other Entry
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&other); err != nil {
				return err
			}
			if other.ID == id {
				lastRef = false
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	if !lastRef {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(blobKey(id))
	})
}

// Count returns the number of named programs in the library.
func (s *Store) Count() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	var count uint64
	err := s.idx.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetadata).Get(keyProgramCount)
		if len(data) >= 8 {
			count = binary.LittleEndian.Uint64(data)
		}
		return nil
	})
	return count, err
}

// packBlob prepends the encoding flag and compresses when configured.
func (s *Store) packBlob(raw []byte) []byte {
	if !s.cfg.Compress {
		return append([]byte{blobRaw}, raw...)
	}
	return append([]byte{blobZstd}, s.enc.EncodeAll(raw, nil)...)
}

// unpackBlob reverses packBlob.
func (s *Store) unpackBlob(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, ErrCorruptBlob
	}
	switch blob[0] {
	case blobRaw:
		return blob[1:], nil
	case blobZstd:
		raw, err := s.dec.DecodeAll(blob[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptBlob, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: unknown blob flag 0x%02X", ErrCorruptBlob, blob[0])
	}
}

// bumpProgramCount adjusts the persistent program counter.
func bumpProgramCount(tx *bolt.Tx, delta int64) error {
	meta := tx.Bucket(bucketMetadata)

	var count uint64
	if data := meta.Get(keyProgramCount); len(data) >= 8 {
		count = binary.LittleEndian.Uint64(data)
	}
	count = uint64(int64(count) + delta)

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], count)
	return meta.Put(keyProgramCount, buf[:])
}
