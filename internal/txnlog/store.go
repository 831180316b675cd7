package txnlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"
)

// Config configures a Store's rotation and retention policy. Mirrors
// backend.BackendConfig's options-struct-plus-constructor idiom.
type Config struct {
	BlockSize int
	// MaxFileSize bounds each log file; 0 disables rotation entirely.
	MaxFileSize int64
	// Retention is the maximum age a log file may reach before it is
	// eligible for purge.
	Retention time.Duration
	// MaxAgeThreshold is a (0,1] fraction of Retention; a file older than
	// Retention*MaxAgeThreshold is rotated preemptively.
	MaxAgeThreshold float64
}

func DefaultConfig() Config {
	return Config{
		BlockSize:       DefaultBlockSize,
		MaxFileSize:     0,
		Retention:       0,
		MaxAgeThreshold: 0.9,
	}
}

type fileMeta struct {
	seq             int64
	path            string
	firstBlockTS    uint64
	hasFirstBlockTS bool
	modTime         time.Time
}

// Store manages one named log's directory of {seq}.txnlog files: rotation,
// retention purge, and the persisted txn.state offset fence. Grounded on
// server/wal/wal.go's Create/Open/cut and server/mvcc/backend.go's
// config-struct lifecycle.
type Store struct {
	lg  *zap.Logger
	dir string
	cfg Config

	mu                  sync.Mutex
	files               []*fileMeta
	tail                *file
	tailSeq             int64
	lastCommittedOffset uint32
	tailOpenedAt        time.Time
}

const stateFileName = "txn.state"

// Open opens (creating if absent) the log directory at dir, enumerates
// existing *.txnlog files, purges anything past retention, and opens the
// highest-numbered file as the append tail.
func Open(lg *zap.Logger, dir string, cfg Config) (*Store, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("txnlog: mkdir %s: %w", dir, err)
	}
	s := &Store{lg: lg, dir: dir, cfg: cfg}
	if err := s.scan(); err != nil {
		return nil, err
	}
	if n := len(s.files); n > 0 {
		s.tailSeq = s.files[n-1].seq
	}
	if cfg.Retention > 0 {
		s.purgeLocked(time.Now().Add(-cfg.Retention))
	}
	if err := s.loadState(); err != nil {
		return nil, err
	}
	if len(s.files) == 0 {
		if err := s.rotateLocked(); err != nil {
			return nil, err
		}
	} else {
		tail := s.files[len(s.files)-1]
		f, err := openFileForAppend(tail.path, s.blockCount(tail))
		if err != nil {
			return nil, err
		}
		s.tail = f
		s.tailSeq = tail.seq
		s.tailOpenedAt = tail.modTime
	}
	return s, nil
}

func (s *Store) blockCount(m *fileMeta) int64 {
	fi, err := os.Stat(m.path)
	if err != nil {
		return 0
	}
	return (fi.Size() - fileHeaderSize) / int64(s.cfg.BlockSize)
}

func (s *Store) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("txnlog: readdir %s: %w", s.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txnlog") {
			continue
		}
		seqStr := strings.TrimSuffix(e.Name(), ".txnlog")
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		m := &fileMeta{seq: seq, path: filepath.Join(s.dir, e.Name()), modTime: info.ModTime()}
		m.firstBlockTS, m.hasFirstBlockTS = readFirstBlockTimestamp(m.path, s.cfg.BlockSize)
		s.files = append(s.files, m)
	}
	sort.Slice(s.files, func(i, j int) bool { return s.files[i].seq < s.files[j].seq })
	return nil
}

func readFirstBlockTimestamp(path string, blockSize int) (uint64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	buf := make([]byte, blockHeaderSize)
	if _, err := f.ReadAt(buf, fileHeaderSize); err != nil {
		return 0, false
	}
	return decodeBlockHeader(buf).EarliestTS, true
}

func (s *Store) loadState() error {
	path := filepath.Join(s.dir, stateFileName)
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("txnlog: read %s: %w", path, err)
	}
	if len(buf) < 8 {
		return nil
	}
	s.lastCommittedOffset = binary.LittleEndian.Uint32(buf[0:4])
	return nil
}

func (s *Store) saveState() error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], s.lastCommittedOffset)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(s.tailSeq))
	path := filepath.Join(s.dir, stateFileName)
	return atomic.WriteFile(path, bytes.NewReader(buf))
}

// rotateLocked closes the current tail (if any) and opens the next
// sequence file as the new tail.
func (s *Store) rotateLocked() error {
	if s.tail != nil {
		if err := s.tail.Sync(); err != nil {
			return err
		}
		if err := s.tail.Close(); err != nil {
			return err
		}
	}
	nextSeq := s.tailSeq + 1
	path := filepath.Join(s.dir, fmt.Sprintf("%d.txnlog", nextSeq))
	f, err := createFile(path, s.cfg.BlockSize)
	if err != nil {
		return err
	}
	s.lg.Info("rotated transaction log",
		zap.String("path", path),
		zap.String("block-size", humanize.Bytes(uint64(s.cfg.BlockSize))),
		zap.String("max-file-size", humanize.Bytes(uint64(s.cfg.MaxFileSize))),
	)
	s.tail = f
	s.tailSeq = nextSeq
	s.tailOpenedAt = time.Now()
	s.files = append(s.files, &fileMeta{seq: nextSeq, path: path, modTime: s.tailOpenedAt})
	return nil
}

func (s *Store) shouldRotate(nextFrameBytes int) bool {
	if s.cfg.MaxFileSize == 0 {
		return false
	}
	if s.tail.Size()+int64(nextFrameBytes) > s.cfg.MaxFileSize {
		return true
	}
	if s.cfg.Retention > 0 && s.cfg.MaxAgeThreshold > 0 {
		threshold := time.Duration(float64(s.cfg.Retention) * s.cfg.MaxAgeThreshold)
		if time.Since(s.tailOpenedAt) > threshold {
			return true
		}
	}
	return false
}

// advanceForRoom begins a fresh block (rotating the file first if the
// current one is already at its size limit) when the tail block is full but
// hasn't been advanced yet. Unlike writeFrame's mid-frame splits, this never
// straddles a frame, so the new block is never a continuation.
func (s *Store) advanceForRoom() error {
	if s.cfg.MaxFileSize != 0 && s.tail.Size()+int64(s.cfg.BlockSize) > s.cfg.MaxFileSize {
		if err := s.tail.Sync(); err != nil {
			return err
		}
		return s.rotateLocked()
	}
	return s.tail.advanceBlock(false, 0)
}

// PendingFrame is one frame awaiting append, already timestamp-stamped by
// the Transaction Engine.
type PendingFrame struct {
	Timestamp uint64
	Data      []byte
	EndOfTxn  bool
}

// Append writes frames atomically (as far as a single fsync makes them so)
// to the tail, rotating and splitting across block/file boundaries as
// needed, and returns the file sequence and byte offset the first frame
// started at.
func (s *Store) Append(frames []PendingFrame) (seq int64, offset int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, fr := range frames {
		payload := encodeFrame(fr.Timestamp, fr.Data, fr.EndOfTxn)
		if i == 0 {
			if s.shouldRotate(len(payload)) {
				if err := s.rotateLocked(); err != nil {
					return 0, 0, err
				}
			} else if s.tail.remaining() == 0 {
				// Tail block filled exactly to capacity by a previous Append
				// and hasn't been advanced yet; advance now so the offset
				// below names where this frame actually lands, not a
				// phantom position inside the already-full block.
				if err := s.advanceForRoom(); err != nil {
					return 0, 0, err
				}
			}
			seq = s.tailSeq
			offset = s.tail.blockOffset + blockHeaderSize + int64(s.tail.used)
		}
		if err := s.writeFrame(fr.Timestamp, payload); err != nil {
			return 0, 0, err
		}
	}
	if err := s.tail.Sync(); err != nil {
		return 0, 0, err
	}
	s.lastCommittedOffset = uint32(s.tail.Size())
	if err := s.saveState(); err != nil {
		return 0, 0, err
	}
	return seq, offset, nil
}

// encodeFrame packs a frame's wire bytes: ts(8 BE) | length(4 BE, top bit =
// end-of-txn) | payload. The end-of-txn bit is an implementation choice
// (the distilled wire format is silent on how it survives to disk); see
// DESIGN.md.
func encodeFrame(ts uint64, data []byte, endOfTxn bool) []byte {
	buf := make([]byte, frameHeaderSize+len(data))
	byteOrder.PutUint64(buf[0:8], ts)
	length := uint32(len(data))
	if endOfTxn {
		length |= 0x80000000
	}
	byteOrder.PutUint32(buf[8:12], length)
	copy(buf[frameHeaderSize:], data)
	return buf
}

func decodeFrameLength(field uint32) (length uint32, endOfTxn bool) {
	return field &^ 0x80000000, field&0x80000000 != 0
}

// writeFrame streams payload bytes into the tail file, splitting across
// block and file boundaries as capacity runs out. When the current file is
// at its size limit, the remainder continues into a freshly rotated file
// whose first block is CONTINUATION=1 with data_offset = carried-over bytes.
func (s *Store) writeFrame(ts uint64, payload []byte) error {
	remaining := payload
	for len(remaining) > 0 {
		if s.tail.remaining() == 0 {
			carry := uint32(len(remaining))
			if int(carry) > s.tail.bodySize {
				carry = uint32(s.tail.bodySize)
			}
			if s.cfg.MaxFileSize != 0 && s.tail.Size()+int64(s.cfg.BlockSize) > s.cfg.MaxFileSize {
				if err := s.tail.Sync(); err != nil {
					return err
				}
				if err := s.rotateLocked(); err != nil {
					return err
				}
				s.tail.beginBlock(true, carry)
			} else {
				if err := s.tail.advanceBlock(true, carry); err != nil {
					return err
				}
			}
		}
		n := s.tail.write(ts, remaining)
		remaining = remaining[n:]
	}
	return nil
}

// Files returns the currently-known log files, sorted by sequence.
func (s *Store) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.files))
	for i, m := range s.files {
		out[i] = filepath.Base(m.path)
	}
	return out
}

// LastCommittedOffset returns the persisted fence readers use to bound
// "uncommitted" reads of the tail file.
func (s *Store) LastCommittedOffset() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommittedOffset
}

// Purge removes files whose modification time is strictly before cutoff,
// never removing the file containing LastCommittedOffset or any newer
// file (resolution of the spec's open retention question).
func (s *Store) Purge(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(cutoff)
}

func (s *Store) purgeLocked(cutoff time.Time) []string {
	var removed []string
	kept := s.files[:0:0]
	for _, m := range s.files {
		if m.seq >= s.tailSeq {
			kept = append(kept, m)
			continue
		}
		if cutoff.IsZero() || !m.modTime.Before(cutoff) {
			kept = append(kept, m)
			continue
		}
		if err := os.Remove(m.path); err == nil {
			removed = append(removed, filepath.Base(m.path))
		} else {
			kept = append(kept, m)
		}
	}
	s.files = kept
	return removed
}

// Close flushes and closes the tail file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tail == nil {
		return nil
	}
	if err := s.tail.Sync(); err != nil {
		return err
	}
	return s.tail.Close()
}

