// Package arraystore is a binary container for named numeric arrays backed
// by BadgerDB.
//
// A dataset is addressed by a path such as "/values" or "/corrcoef" and has
// a dtype and a shape. Datasets are stored one block per leading-dimension
// row, each block snappy-compressed, so a 2-D result matrix can be written
// row by row from concurrent writers as long as they touch disjoint rows.
//
// Key layout:
//
//	h<path>                  -> JSON Header
//	b<path>\x00<row uint32>  -> snappy(little-endian row payload)
package arraystore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/snappy"
	"github.com/x448/float16"
)

// DType is the element type of a dataset.
type DType string

const (
	Float32 DType = "f32"
	// Float16 stores IEEE half precision; values are read back as float32.
	Float16 DType = "f16"
	Uint32  DType = "u32"
	String  DType = "str"
)

func (d DType) size() int {
	switch d {
	case Float32, Uint32:
		return 4
	case Float16:
		return 2
	default:
		return 0
	}
}

var (
	ErrClosed          = errors.New("arraystore: closed")
	ErrDatasetNotFound = errors.New("arraystore: dataset not found")
	ErrDatasetExists   = errors.New("arraystore: dataset already exists")
	ErrRowNotWritten   = errors.New("arraystore: row not written")
	ErrShape           = errors.New("arraystore: shape mismatch")
	ErrDType           = errors.New("arraystore: dtype mismatch")
)

// Header describes a dataset.
type Header struct {
	DType DType `json:"dtype"`
	Shape []int `json:"shape"`
}

// RowLen is the number of elements per block.
func (h Header) RowLen() int {
	n := 1
	for _, d := range h.Shape[1:] {
		n *= d
	}
	return n
}

// Rows is the number of blocks. A 1-D dataset is a single block.
func (h Header) Rows() int {
	if len(h.Shape) == 1 {
		return 1
	}
	return h.Shape[0]
}

func (h Header) blockLen() int {
	if len(h.Shape) == 1 {
		return h.Shape[0]
	}
	return h.RowLen()
}

// Options configures Open.
type Options struct {
	// Path of the badger directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	ReadOnly bool
	Logger   *slog.Logger
}

// Store is an open array container. Safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	headers map[string]Header
}

// Open opens or creates a container.
func Open(opts Options) (*Store, error) {
	badgerOpts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.ReadOnly {
		badgerOpts = badgerOpts.WithReadOnly(true)
	}
	// Use a quiet logger by default
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open array container %q: %w", opts.Path, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      db,
		logger:  logger.With("component", "arraystore"),
		headers: make(map[string]Header),
	}, nil
}

// Close flushes and closes the container.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) ensureOpen() error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return nil
}

func (s *Store) withView(fn func(txn *badger.Txn) error) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *Store) withUpdate(fn func(txn *badger.Txn) error) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func headerKey(path string) []byte {
	return append([]byte{'h'}, path...)
}

func blockKey(path string, row int) []byte {
	k := make([]byte, 0, len(path)+6)
	k = append(k, 'b')
	k = append(k, path...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint32(k, uint32(row))
}

// Create declares a dataset. Creating an existing dataset with the same
// header is a no-op so that independent writers can race to create it.
func (s *Store) Create(path string, dtype DType, shape ...int) error {
	if len(shape) == 0 || len(shape) > 2 {
		return fmt.Errorf("%w: %s needs 1 or 2 dimensions, got %v", ErrShape, path, shape)
	}
	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("%w: %s has non-positive dimension in %v", ErrShape, path, shape)
		}
	}
	hdr := Header{DType: dtype, Shape: shape}
	raw, err := json.Marshal(hdr)
	if err != nil {
		return err
	}

	err = s.withUpdate(func(txn *badger.Txn) error {
		item, err := txn.Get(headerKey(path))
		if err == nil {
			var existing Header
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &existing) }); err != nil {
				return err
			}
			if !sameHeader(existing, hdr) {
				return fmt.Errorf("%w: %s is %s%v", ErrDatasetExists, path, existing.DType, existing.Shape)
			}
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(headerKey(path), raw)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.headers[path] = hdr
	s.mu.Unlock()
	s.logger.Debug("dataset created", "path", path, "dtype", dtype, "shape", shape)
	return nil
}

func sameHeader(a, b Header) bool {
	if a.DType != b.DType || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Header returns the header of a dataset.
func (s *Store) Header(path string) (Header, error) {
	s.mu.RLock()
	hdr, ok := s.headers[path]
	s.mu.RUnlock()
	if ok {
		return hdr, nil
	}

	err := s.withView(func(txn *badger.Txn) error {
		item, err := txn.Get(headerKey(path))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrDatasetNotFound, path)
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &hdr) })
	})
	if err != nil {
		return Header{}, err
	}

	s.mu.Lock()
	s.headers[path] = hdr
	s.mu.Unlock()
	return hdr, nil
}

// Datasets lists every dataset path in the container.
func (s *Store) Datasets() ([]string, error) {
	var paths []string
	err := s.withView(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{'h'}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			paths = append(paths, string(it.Item().Key()[1:]))
		}
		return nil
	})
	return paths, err
}

func (s *Store) putBlock(path string, row int, payload []byte) error {
	block := snappy.Encode(nil, payload)
	return s.withUpdate(func(txn *badger.Txn) error {
		return txn.Set(blockKey(path, row), block)
	})
}

func (s *Store) getBlock(path string, row int) ([]byte, error) {
	var payload []byte
	err := s.withView(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(path, row))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s row %d", ErrRowNotWritten, path, row)
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			var derr error
			payload, derr = snappy.Decode(nil, v)
			return derr
		})
	})
	return payload, err
}

// WriteFloatRow stores row of a Float32 or Float16 dataset. For a 1-D
// dataset row must be 0 and v holds the whole vector.
func (s *Store) WriteFloatRow(path string, row int, v []float32) error {
	hdr, err := s.Header(path)
	if err != nil {
		return err
	}
	if err := checkRow(path, hdr, row, len(v)); err != nil {
		return err
	}

	payload := make([]byte, len(v)*hdr.DType.size())
	switch hdr.DType {
	case Float32:
		for i, x := range v {
			binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(x))
		}
	case Float16:
		for i, x := range v {
			binary.LittleEndian.PutUint16(payload[i*2:], float16.Fromfloat32(x).Bits())
		}
	default:
		return fmt.Errorf("%w: %s is %s, not a float dataset", ErrDType, path, hdr.DType)
	}
	return s.putBlock(path, row, payload)
}

// ReadFloatRow loads row of a Float32 or Float16 dataset.
func (s *Store) ReadFloatRow(path string, row int) ([]float32, error) {
	hdr, err := s.Header(path)
	if err != nil {
		return nil, err
	}
	if err := checkRow(path, hdr, row, hdr.blockLen()); err != nil {
		return nil, err
	}
	payload, err := s.getBlock(path, row)
	if err != nil {
		return nil, err
	}
	n := hdr.blockLen()
	if len(payload) != n*hdr.DType.size() {
		return nil, fmt.Errorf("%w: %s row %d holds %d bytes", ErrShape, path, row, len(payload))
	}

	out := make([]float32, n)
	switch hdr.DType {
	case Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
		}
	case Float16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(payload[i*2:])).Float32()
		}
	default:
		return nil, fmt.Errorf("%w: %s is %s, not a float dataset", ErrDType, path, hdr.DType)
	}
	return out, nil
}

// ReadFloatMatrix loads a whole 2-D float dataset in row-major order.
func (s *Store) ReadFloatMatrix(path string) (rows, cols int, data []float32, err error) {
	hdr, err := s.Header(path)
	if err != nil {
		return 0, 0, nil, err
	}
	if len(hdr.Shape) != 2 {
		return 0, 0, nil, fmt.Errorf("%w: %s is %d-D", ErrShape, path, len(hdr.Shape))
	}
	rows, cols = hdr.Shape[0], hdr.Shape[1]
	data = make([]float32, 0, rows*cols)
	for r := 0; r < rows; r++ {
		row, err := s.ReadFloatRow(path, r)
		if err != nil {
			return 0, 0, nil, err
		}
		data = append(data, row...)
	}
	return rows, cols, data, nil
}

// WriteUint32 stores a whole 1-D Uint32 dataset.
func (s *Store) WriteUint32(path string, v []uint32) error {
	hdr, err := s.Header(path)
	if err != nil {
		return err
	}
	if hdr.DType != Uint32 {
		return fmt.Errorf("%w: %s is %s", ErrDType, path, hdr.DType)
	}
	if err := checkRow(path, hdr, 0, len(v)); err != nil {
		return err
	}
	payload := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(payload[i*4:], x)
	}
	return s.putBlock(path, 0, payload)
}

// ReadUint32 loads a whole 1-D Uint32 dataset.
func (s *Store) ReadUint32(path string) ([]uint32, error) {
	hdr, err := s.Header(path)
	if err != nil {
		return nil, err
	}
	if hdr.DType != Uint32 || len(hdr.Shape) != 1 {
		return nil, fmt.Errorf("%w: %s is %s%v", ErrDType, path, hdr.DType, hdr.Shape)
	}
	payload, err := s.getBlock(path, 0)
	if err != nil {
		return nil, err
	}
	if len(payload) != hdr.Shape[0]*4 {
		return nil, fmt.Errorf("%w: %s holds %d bytes", ErrShape, path, len(payload))
	}
	out := make([]uint32, hdr.Shape[0])
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(payload[i*4:])
	}
	return out, nil
}

// WriteStrings stores a 1-D String dataset.
func (s *Store) WriteStrings(path string, v []string) error {
	hdr, err := s.Header(path)
	if err != nil {
		return err
	}
	if hdr.DType != String {
		return fmt.Errorf("%w: %s is %s", ErrDType, path, hdr.DType)
	}
	if err := checkRow(path, hdr, 0, len(v)); err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.putBlock(path, 0, payload)
}

// ReadStrings loads a 1-D String dataset.
func (s *Store) ReadStrings(path string) ([]string, error) {
	hdr, err := s.Header(path)
	if err != nil {
		return nil, err
	}
	if hdr.DType != String {
		return nil, fmt.Errorf("%w: %s is %s", ErrDType, path, hdr.DType)
	}
	payload, err := s.getBlock(path, 0)
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return out, nil
}

func checkRow(path string, hdr Header, row, n int) error {
	if row < 0 || row >= hdr.Rows() {
		return fmt.Errorf("%w: %s row %d outside %v", ErrShape, path, row, hdr.Shape)
	}
	if n != hdr.blockLen() {
		return fmt.Errorf("%w: %s row holds %d elements, got %d", ErrShape, path, hdr.blockLen(), n)
	}
	return nil
}
