package txnlog

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// QueryOptions controls a Reader's starting point and filter window, as
// named by Log Handle's query(opts) (§4.C).
type QueryOptions struct {
	Start                *uint64
	End                  *uint64
	ExactStart           bool
	ExclusiveStart       bool
	StartFromLastFlushed bool
	ReadUncommitted      bool
}

type readerFile struct {
	seq  int64
	path string
}

// Reader is a lazy, restartable sequence of log entries, driven by
// memory-mapped files and binary search over block headers. Grounded on
// server/wal/wal.go's selectWALFiles/searchIndex binary-search idiom,
// re-targeted at mmap'd random access per §4.D's explicit requirement.
type Reader struct {
	dir                 string
	opts                QueryOptions
	lastCommittedOffset uint32

	files []readerFile

	cur        *mappedFile
	curFileIdx int
	blockIdx   int64
	bodyOff    int // offset within cur block body to resume scanning

	pending   []byte // bytes accumulated for a frame still being assembled
	pendingTS uint64
	need      int // bytes still needed to complete the pending frame

	end   bool
	inEnd bool // true once we've decided subsequent ts strictly exceed End (early stop)
}

// NewReader opens a reader over fileNames (base names, as returned by
// Store.Files) rooted at dir.
func NewReader(dir string, fileNames []string, lastCommittedOffset uint32, opts QueryOptions) (*Reader, error) {
	files := make([]readerFile, 0, len(fileNames))
	for _, name := range fileNames {
		seq, err := seqFromName(name)
		if err != nil {
			continue
		}
		files = append(files, readerFile{seq: seq, path: filepath.Join(dir, name)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })

	r := &Reader{dir: dir, opts: opts, lastCommittedOffset: lastCommittedOffset, files: files}
	if err := r.seek(); err != nil {
		return nil, err
	}
	return r, nil
}

func seqFromName(name string) (int64, error) {
	var seq int64
	var ext string
	n, err := fmtSscanf(name, &seq, &ext)
	if err != nil || n < 1 {
		return 0, errors.New("txnlog: bad file name " + name)
	}
	return seq, nil
}

// fmtSscanf parses "{seq}.txnlog"; kept as a tiny helper to avoid pulling
// in fmt.Sscanf's reflection path for a one-field parse.
func fmtSscanf(name string, seq *int64, ext *string) (int, error) {
	dot := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return 0, errors.New("no extension")
	}
	var v int64
	for _, c := range name[:dot] {
		if c < '0' || c > '9' {
			return 0, errors.New("not numeric")
		}
		v = v*10 + int64(c-'0')
	}
	*seq = v
	*ext = name[dot+1:]
	return 1, nil
}

// seek positions the reader at its starting block, per §4.D's two-stage
// binary search (file, then block).
func (r *Reader) seek() error {
	if len(r.files) == 0 {
		r.end = true
		return nil
	}

	startFile := 0
	effectiveStart := r.opts.Start
	if r.opts.StartFromLastFlushed {
		v := uint64(r.lastCommittedOffset)
		effectiveStart = &v
	}

	if effectiveStart != nil && !(r.opts.ReadUncommitted && r.opts.Start == nil) {
		startFile = r.binarySearchFile(*effectiveStart)
	}

	m, err := mapFile(r.files[startFile].seq, r.files[startFile].path)
	if err != nil {
		return err
	}
	r.cur = m
	r.curFileIdx = startFile

	blockIdx := int64(0)
	if effectiveStart != nil {
		blockIdx = r.binarySearchBlock(m, *effectiveStart)
	}
	r.blockIdx = blockIdx
	hdr := m.blockHeader(blockIdx)
	if hdr.continuation() {
		r.bodyOff = int(hdr.DataOffset)
	} else {
		r.bodyOff = 0
	}
	return nil
}

// binarySearchFile finds the highest-sequence file whose first block's
// earliest_timestamp is <= start.
func (r *Reader) binarySearchFile(start uint64) int {
	lo, hi, best := 0, len(r.files)-1, 0
	for lo <= hi {
		mid := (lo + hi) / 2
		m, err := mapFile(r.files[mid].seq, r.files[mid].path)
		if err != nil {
			hi = mid - 1
			continue
		}
		ts := m.blockHeader(0).EarliestTS
		m.close()
		if ts <= start {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// binarySearchBlock finds the last block whose earliest_timestamp is
// <= start within file m, then moves back to the earliest block sharing
// that same timestamp.
func (r *Reader) binarySearchBlock(m *mappedFile, start uint64) int64 {
	count := m.blockCount()
	if count == 0 {
		return 0
	}
	lo, hi, best := int64(0), count-1, int64(0)
	for lo <= hi {
		mid := (lo + hi) / 2
		ts := m.blockHeader(mid).EarliestTS
		if ts <= start {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	// tie-break toward the earliest block sharing the same timestamp
	for best > 0 && m.blockHeader(best-1).EarliestTS == m.blockHeader(best).EarliestTS {
		best--
	}
	return best
}

// Next returns the next entry in the filtered window, or io.EOF when the
// currently-visible log has been fully consumed. Calling Next again later
// (after more frames have been committed) resumes the scan rather than
// restarting it. Only the files known when the Reader was opened are
// scanned; files created by a later rotation are not visited.
func (r *Reader) Next() (*Entry, error) {
	for {
		if r.end {
			return nil, io.EOF
		}
		e, err := r.nextRaw()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, io.EOF
		}
		if !r.passesFilter(e) {
			if r.opts.End != nil && !r.opts.ExactStart && e.Timestamp > *r.opts.End {
				r.end = true
				return nil, io.EOF
			}
			continue
		}
		return e, nil
	}
}

func (r *Reader) passesFilter(e *Entry) bool {
	if r.opts.Start != nil {
		if r.opts.ExclusiveStart {
			if e.Timestamp <= *r.opts.Start {
				return false
			}
		} else if e.Timestamp < *r.opts.Start {
			return false
		}
	}
	if r.opts.End != nil && e.Timestamp > *r.opts.End {
		return false
	}
	return true
}

// nextRaw decodes the next frame from the body stream, advancing across
// block and file boundaries, honoring the commit fence on the tail file.
func (r *Reader) nextRaw() (*Entry, error) {
	header := make([]byte, 0, frameHeaderSize)
	for len(header) < frameHeaderSize {
		b, ok := r.readByte()
		if !ok {
			return nil, nil
		}
		header = append(header, b)
	}
	ts := byteOrder.Uint64(header[0:8])
	lengthField := byteOrder.Uint32(header[8:12])
	length, endOfTxn := decodeFrameLength(lengthField)

	data := make([]byte, 0, length)
	for uint32(len(data)) < length {
		b, ok := r.readByte()
		if !ok {
			return nil, nil
		}
		data = append(data, b)
	}
	return &Entry{Timestamp: ts, Data: data, EndOfTxn: endOfTxn}, nil
}

// readByte returns the next body byte in stream order, transparently
// advancing into the next block/file, honoring the commit fence on the
// (only) tail file.
func (r *Reader) readByte() (byte, bool) {
	for {
		body := r.cur.blockBody(r.blockIdx)
		if r.isTailBlock() {
			limit := r.tailBodyLimit()
			if r.bodyOff >= limit {
				if !r.refreshTail() {
					return 0, false
				}
				continue
			}
		}
		if r.bodyOff < len(body) {
			b := body[r.bodyOff]
			r.bodyOff++
			return b, true
		}
		if !r.advanceBlock() {
			return 0, false
		}
	}
}

func (r *Reader) isTailBlock() bool {
	return r.curFileIdx == len(r.files)-1 && r.blockIdx == r.cur.blockCount()-1
}

func (r *Reader) tailBodyLimit() int {
	if r.opts.ReadUncommitted {
		return r.cur.header.BlockSize - blockHeaderSize
	}
	blockStart := fileHeaderSize + r.blockIdx*int64(r.cur.header.BlockSize) + blockHeaderSize
	avail := int64(r.lastCommittedOffset) - blockStart
	if avail < 0 {
		return 0
	}
	max := int64(r.cur.header.BlockSize) - blockHeaderSize
	if avail > max {
		avail = max
	}
	return int(avail)
}

// refreshTail remaps the tail file to pick up bytes committed since the
// last map, implementing the restartable-iterator contract.
func (r *Reader) refreshTail() bool {
	path := r.cur.path
	seq := r.cur.seq
	r.cur.close()
	if fi, err := os.Stat(path); err != nil || fi.Size() <= fileHeaderSize {
		m, err := mapFile(seq, path)
		if err != nil {
			r.end = true
			return false
		}
		r.cur = m
		return false
	}
	m, err := mapFile(seq, path)
	if err != nil {
		r.end = true
		return false
	}
	r.cur = m
	// Re-read the persisted commit fence; it applies only while it still
	// names this file's sequence.
	if buf, err := os.ReadFile(filepath.Join(r.dir, stateFileName)); err == nil && len(buf) >= 8 {
		le := func(b []byte) uint32 { return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24 }
		if int64(le(buf[4:8])) == seq {
			r.lastCommittedOffset = le(buf[0:4])
		}
	}
	limit := r.tailBodyLimit()
	return r.bodyOff < limit
}

func (r *Reader) advanceBlock() bool {
	if r.blockIdx+1 < r.cur.blockCount() {
		r.blockIdx++
		r.bodyOff = 0
		return true
	}
	if r.curFileIdx+1 >= len(r.files) {
		return false
	}
	r.cur.close()
	r.curFileIdx++
	m, err := mapFile(r.files[r.curFileIdx].seq, r.files[r.curFileIdx].path)
	if err != nil {
		r.end = true
		return false
	}
	r.cur = m
	r.blockIdx = 0
	r.bodyOff = 0
	return true
}

// Close releases the reader's current mapping.
func (r *Reader) Close() error {
	if r.cur != nil {
		return r.cur.close()
	}
	return nil
}
