package be

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

var (
	metaBucket = []byte("meta")
	dictBucket = []byte("dict")
	logBucket  = []byte("log")

	idKey = []byte("id")
)

var (
	// ErrNotFound is returned when record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrExists is returned when record already exists.
	ErrExists = errors.New("record already exists")

	// ErrInconsistent is returned when persistent state contradicts the operation being replayed.
	ErrInconsistent = errors.New("internal inconsistency")

	// ErrCorruptedRecord is returned when stored record does not match its checksum.
	ErrCorruptedRecord = errors.New("corrupted record")

	// ErrSegmentUnknown is returned when segment is not registered.
	ErrSegmentUnknown = errors.New("unknown segment")
)

// SegConfig stores configuration of the segment.
type SegConfig struct {
	Path string
	// ID is used when new segment is created. Existing segment must have the same ID unless zero value is passed.
	ID uuid.UUID
}

// OpenSeg opens or creates the segment.
func OpenSeg(ctx context.Context, config SegConfig) (*Seg, func(), error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o700); err != nil {
		return nil, nil, errors.WithStack(err)
	}

	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening segment %q failed", config.Path)
	}

	s := &Seg{
		db:       db,
		decoders: map[FragmentType]FragmentDecoder{},
		log:      logger.Get(ctx).With(zap.String("segment", config.Path)),
	}
	if err := s.init(config.ID); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	s.log = s.log.With(zap.Stringer("segmentID", s.id))
	s.log.Info("Segment opened")

	return s, func() {
		_ = db.Close()
	}, nil
}

// Seg is the transactional back-end segment.
type Seg struct {
	id  uuid.UUID
	db  *bolt.DB
	log *zap.Logger

	mu       sync.RWMutex
	decoders map[FragmentType]FragmentDecoder
}

func (s *Seg) init(id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{metaBucket, dictBucket, logBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.WithStack(err)
			}
		}

		meta := tx.Bucket(metaBucket)
		if v := meta.Get(idKey); v != nil {
			stored, err := uuid.FromBytes(v)
			if err != nil {
				return errors.Wrap(ErrCorruptedRecord, err.Error())
			}
			if id != uuid.Nil && id != stored {
				return errors.Errorf("segment ID mismatch, expected: %s, stored: %s", id, stored)
			}
			s.id = stored
			return nil
		}

		if id == uuid.Nil {
			id = uuid.New()
		}
		s.id = id
		return errors.WithStack(meta.Put(idKey, id[:]))
	})
}

// ID returns the stable identifier of the segment.
func (s *Seg) ID() uuid.UUID {
	return s.id
}

// EnsureBucket creates bucket if it does not exist.
func (s *Seg) EnsureBucket(name []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return errors.WithStack(err)
	})
}

// View runs function inside read-only transaction.
func (s *Seg) View(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.BeginRead(ctx)
	if err != nil {
		return err
	}
	defer tx.Close() //nolint:errcheck

	return fn(tx)
}

// Update runs function inside write transaction with the given credit.
func (s *Seg) Update(ctx context.Context, credit Credit, fn func(tx *Tx) error) error {
	tx := s.NewTx(ctx)
	tx.Prep(credit)
	if err := tx.Open(); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if abortErr := tx.Abort(); abortErr != nil {
			s.log.Error("Aborting transaction failed", zap.Error(abortErr))
		}
		return err
	}
	return tx.Close()
}

// Registry maps segment identifiers to open segments.
type Registry struct {
	mu   sync.RWMutex
	segs map[uuid.UUID]*Seg
}

// NewRegistry creates new segment registry.
func NewRegistry() *Registry {
	return &Registry{
		segs: map[uuid.UUID]*Seg{},
	}
}

// Add registers segment.
func (r *Registry) Add(s *Seg) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.segs[s.ID()]; exists {
		return errors.Wrapf(ErrExists, "segment %s", s.ID())
	}
	r.segs[s.ID()] = s
	return nil
}

// Remove unregisters segment.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.segs, id)
}

// Lookup returns registered segment.
func (r *Registry) Lookup(id uuid.UUID) (*Seg, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.segs[id]
	if !exists {
		return nil, errors.Wrapf(ErrSegmentUnknown, "segment %s", id)
	}
	return s, nil
}
