// Package storage implements the narrow backing-byte-storage contract the
// cache uses to evict and rehydrate nodes: write(bytes) → UID, read(UID) →
// bytes, remove(UID). Two implementations are provided: NoneStorage (no
// eviction target — the cache must never need to write through it) and
// FileStorage (an append-with-reuse fixed-record file, grounded on
// btree/storage.go).
package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/haldendb/kvindex/uid"
)

var (
	// ErrStorageDisabled is returned by NoneStorage for any operation that
	// would require durable storage — used when a store is configured with
	// a cache capacity that should never need to evict.
	ErrStorageDisabled = errors.New("storage: disabled (no backing store configured)")
	// ErrRecordTooLarge is returned when a serialized node does not fit in
	// a single fixed-size block.
	ErrRecordTooLarge = errors.New("storage: record exceeds block size")
	// ErrNotFound is returned when a File UID does not name a live record.
	ErrNotFound = errors.New("storage: record not found")
	// ErrIO wraps any underlying I/O failure; these are treated as fatal
	// for the affected handle.
	ErrIO = errors.New("storage: io error")
)

// Backend is the capability set the cache depends on. Init receives a
// callback the backend may use to report externally-triggered UID changes;
// none of the implementations here ever do so (only the cache itself
// relocates UIDs, via Write's return value), but the hook is part of the
// contract.
type Backend interface {
	Init(onRelocate func(old, new uid.UID) error) error
	Write(data []byte) (uid.UID, error)
	Read(u uid.UID) ([]byte, error)
	Remove(u uid.UID) error
	Flush() error
}

// NoneStorage implements Backend with no persistence at all. Write, Read
// and Remove fail with ErrStorageDisabled, while Init and Flush succeed
// without doing anything; a cache backed by NoneStorage must be
// configured with a capacity no mutation can ever exceed.
type NoneStorage struct{}

func (NoneStorage) Init(func(old, new uid.UID) error) error { return nil }
func (NoneStorage) Write([]byte) (uid.UID, error)           { return uid.Nil, ErrStorageDisabled }
func (NoneStorage) Read(uid.UID) ([]byte, error)            { return nil, ErrStorageDisabled }
func (NoneStorage) Remove(uid.UID) error                    { return ErrStorageDisabled }
func (NoneStorage) Flush() error                            { return nil }

const (
	magicNumber uint32 = 0x484c4442 // "HLDB"
	version     uint32 = 1
)

// headerFixedFields is magic(4) + version(4) + blockSize(4) + nextBlock(4) +
// freeCount(4).
const headerFixedFields = 4 + 4 + 4 + 4 + 4

// FileStorage is a fixed-record-size append/free-list-backed file. Every
// record occupies exactly BlockSize bytes; a node that does not fit
// returns ErrRecordTooLarge. Grounded on btree/storage.go's header +
// free-list design, generalized from per-node logical ids to opaque byte
// records addressed by uid.UID.
type FileStorage struct {
	mu        sync.Mutex
	file      *os.File
	blockSize uint32
	headerLen int64
	free      []uint32 // free block offsets, in blocks not bytes
	nextBlock uint32
}

// OpenFileStorage opens (or creates) a fixed-block-size storage file at
// path. The header occupies one full block, to keep offset math simple.
func OpenFileStorage(path string, blockSize uint32) (*FileStorage, error) {
	if blockSize < headerFixedFields+8 {
		return nil, fmt.Errorf("storage: block size %d too small", blockSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	s := &FileStorage{
		file:      f,
		blockSize: blockSize,
		headerLen: int64(blockSize),
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if info.Size() == 0 {
		if err := s.writeHeader(); err != nil {
			_ = f.Close()
			return nil, err
		}
	} else if err := s.readHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStorage) Init(func(old, new uid.UID) error) error { return nil }

func (s *FileStorage) readHeader() error {
	buf := make([]byte, s.headerLen)
	if _, err := s.file.ReadAt(buf, 0); err != nil && err != io.EOF {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	r := bytes.NewReader(buf)

	var magic, ver, blockSize, freeCount uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if magic != magicNumber {
		return fmt.Errorf("storage: bad magic number")
	}
	if err := binary.Read(r, binary.LittleEndian, &ver); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if ver != version {
		return fmt.Errorf("storage: unsupported version %d", ver)
	}
	if err := binary.Read(r, binary.LittleEndian, &blockSize); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	s.blockSize = blockSize
	s.headerLen = int64(blockSize)

	if err := binary.Read(r, binary.LittleEndian, &s.nextBlock); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &freeCount); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	s.free = make([]uint32, freeCount)
	for i := range s.free {
		if err := binary.Read(r, binary.LittleEndian, &s.free[i]); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	return nil
}

func (s *FileStorage) writeHeader() error {
	buf := bytes.NewBuffer(make([]byte, 0, s.headerLen))
	_ = binary.Write(buf, binary.LittleEndian, magicNumber)
	_ = binary.Write(buf, binary.LittleEndian, version)
	_ = binary.Write(buf, binary.LittleEndian, s.blockSize)
	_ = binary.Write(buf, binary.LittleEndian, s.nextBlock)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(s.free)))
	for _, b := range s.free {
		_ = binary.Write(buf, binary.LittleEndian, b)
	}
	if int64(buf.Len()) > s.headerLen {
		return fmt.Errorf("storage: free list too large for header block (%d free entries)", len(s.free))
	}
	padded := make([]byte, s.headerLen)
	copy(padded, buf.Bytes())
	if _, err := s.file.WriteAt(padded, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (s *FileStorage) blockOffset(block uint32) int64 {
	return s.headerLen + int64(block)*int64(s.blockSize)
}

// Write appends data to a free or newly-minted block and returns its UID.
func (s *FileStorage) Write(data []byte) (uid.UID, error) {
	if uint32(len(data)) > s.blockSize {
		return uid.Nil, ErrRecordTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var block uint32
	if n := len(s.free); n > 0 {
		block = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		block = s.nextBlock
		s.nextBlock++
	}

	padded := make([]byte, s.blockSize)
	copy(padded, data)
	if _, err := s.file.WriteAt(padded, s.blockOffset(block)); err != nil {
		return uid.Nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := s.writeHeader(); err != nil {
		return uid.Nil, err
	}
	return uid.NewFile(block, uint32(len(data))), nil
}

// Read returns the live bytes (un-padded to their original length) for a
// File UID.
func (s *FileStorage) Read(u uid.UID) ([]byte, error) {
	if !u.IsFile() {
		return nil, fmt.Errorf("storage: Read requires a File UID, got %v", u)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, s.blockSize)
	n, err := s.file.ReadAt(buf, s.blockOffset(u.FileOffset()))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if uint32(n) < u.FileSize() {
		return nil, fmt.Errorf("%w: short read for %v", ErrIO, u)
	}
	out := make([]byte, u.FileSize())
	copy(out, buf[:u.FileSize()])
	return out, nil
}

// Remove marks a File UID's block free for reuse.
func (s *FileStorage) Remove(u uid.UID) error {
	if !u.IsFile() {
		return fmt.Errorf("storage: Remove requires a File UID, got %v", u)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = append(s.free, u.FileOffset())
	return s.writeHeader()
}

// Flush persists the header and syncs the underlying file to disk.
func (s *FileStorage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeHeader(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *FileStorage) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}
