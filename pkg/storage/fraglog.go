package storage

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"linkdb/pkg/common"
	"linkdb/pkg/page"
	"log"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
)

// [CRC32 4B] [Lsn 8B] [PageID 8B] [Op 1B] [FragSize 4B] [Frag NB]

const (
	HeaderSize = 4 + 8 + 8 + 1 + 4 // 25 Bytes
)

// Op says how a logged frag relates to the page's chain.
type Op uint8

const (
	// OpAppend prepends the frag to the existing chain.
	OpAppend Op = iota + 1
	// OpReplace installs the frag as the page's whole chain.
	OpReplace
	// OpFree removes the page. Its frag is ignored.
	OpFree
)

var ErrCRCMismatch = errors.New("fraglog: crc mismatch")

type LogRecord struct {
	Lsn  common.Lsn
	Page common.PageID
	Op   Op
	Frag page.Frag
}

// FragLog is the append-only log of frags. Every append is assigned the
// next log sequence number.
type FragLog struct {
	file      *os.File
	mu        sync.Mutex
	buf       *bufio.Writer
	next      common.Lsn
	syncEvery int
	unsynced  int
}

func OpenFragLog(path string, syncEvery int) (*FragLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "fraglog: open")
	}

	// resume numbering after whatever is already on disk, and cut off a
	// record torn by a crash so later appends are not stranded behind it
	next, end, err := scanLog(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "fraglog: stat")
	}
	if st.Size() > end {
		log.Printf("[Recovery] Dropping %d bytes of torn frag log tail at offset %d.", st.Size()-end, end)
		if err := f.Truncate(end); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "fraglog: truncate torn tail")
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "fraglog: sync")
		}
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "fraglog: seek")
	}

	return &FragLog{
		file:      f,
		buf:       bufio.NewWriter(f),
		next:      next,
		syncEvery: syncEvery,
	}, nil
}

// scanLog returns the sequence number after the last valid record and the
// byte offset where that record ends.
func scanLog(path string) (common.Lsn, int64, error) {
	it, err := openIterator(path)
	if err != nil {
		return 0, 0, err
	}
	defer it.Close()

	next := common.Lsn(1)
	for {
		rec, err := it.Next()
		if err != nil {
			return next, it.Offset(), nil
		}
		if rec.Lsn >= next {
			next = rec.Lsn + 1
		}
	}
}

// Append writes frag for page pid and returns its sequence number.
func (l *FragLog) Append(op Op, pid common.PageID, frag page.Frag) (common.Lsn, error) {
	payload := EncodeFrag(frag)

	l.mu.Lock()
	defer l.mu.Unlock()

	lsn := l.next
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(header[4:12], uint64(lsn))
	binary.LittleEndian.PutUint64(header[12:20], uint64(pid))
	header[20] = byte(op)
	binary.LittleEndian.PutUint32(header[21:25], uint32(len(payload)))

	checksum := crc32.NewIEEE()
	checksum.Write(header[4:])
	checksum.Write(payload)
	binary.LittleEndian.PutUint32(header[0:4], checksum.Sum32())

	if _, err := l.buf.Write(header); err != nil {
		return 0, errors.Wrap(err, "fraglog: write header")
	}
	if _, err := l.buf.Write(payload); err != nil {
		return 0, errors.Wrap(err, "fraglog: write frag")
	}
	if err := l.buf.Flush(); err != nil {
		return 0, errors.Wrap(err, "fraglog: flush")
	}
	l.next++

	if l.syncEvery > 0 {
		l.unsynced++
		if l.unsynced >= l.syncEvery {
			l.unsynced = 0
			if err := l.file.Sync(); err != nil {
				return lsn, errors.Wrap(err, "fraglog: sync")
			}
		}
	}
	return lsn, nil
}

// NextLsn is the sequence number the next append will receive.
func (l *FragLog) NextLsn() common.Lsn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// Advance makes sure the next sequence number is at least lsn, so numbering
// never goes backwards across a truncate and restart.
func (l *FragLog) Advance(lsn common.Lsn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next < lsn {
		l.next = lsn
	}
}

func (l *FragLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.buf.Flush(); err != nil {
		return err
	}
	return l.file.Sync()
}

func (l *FragLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.buf.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// Truncate drops every record. Numbering continues where it left off.
func (l *FragLog) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.buf.Flush(); err != nil {
		return err
	}
	path := l.file.Name()
	if err := l.file.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "fraglog: reopen")
	}
	l.file = f
	l.buf = bufio.NewWriter(f)
	return l.file.Sync()
}

func (l *FragLog) Size() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.buf.Flush(); err != nil {
		return 0, err
	}
	st, err := l.file.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

type FragLogIterator struct {
	reader *bufio.Reader
	file   *os.File
	size   int64
	offset int64 // end of the last record returned
}

func (l *FragLog) NewIterator() (*FragLogIterator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.buf.Flush(); err != nil {
		return nil, errors.Wrap(err, "fraglog: flush")
	}
	return openIterator(l.file.Name())
}

func openIterator(path string) (*FragLogIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "fraglog: open iterator")
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "fraglog: stat iterator")
	}
	return &FragLogIterator{
		file:   f,
		reader: bufio.NewReader(f),
		size:   st.Size(),
	}, nil
}

// Offset is the byte offset just past the last record Next returned.
func (it *FragLogIterator) Offset() int64 {
	return it.offset
}

// Next returns io.EOF at the clean end of the log. A torn tail shows up as
// io.ErrUnexpectedEOF.
func (it *FragLogIterator) Next() (LogRecord, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(it.reader, header); err != nil {
		return LogRecord{}, err
	}

	storedCRC := binary.LittleEndian.Uint32(header[0:4])
	lsn := common.Lsn(binary.LittleEndian.Uint64(header[4:12]))
	pid := common.PageID(binary.LittleEndian.Uint64(header[12:20]))
	op := Op(header[20])
	size := binary.LittleEndian.Uint32(header[21:25])

	if int64(size) > it.size-it.offset-HeaderSize {
		return LogRecord{}, io.ErrUnexpectedEOF
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(it.reader, payload); err != nil {
		return LogRecord{}, io.ErrUnexpectedEOF
	}

	checksum := crc32.NewIEEE()
	checksum.Write(header[4:])
	checksum.Write(payload)
	if checksum.Sum32() != storedCRC {
		return LogRecord{}, errors.Wrapf(ErrCRCMismatch, "lsn %d", lsn)
	}

	frag, err := DecodeFrag(payload)
	if err != nil {
		return LogRecord{}, errors.Wrapf(err, "lsn %d", lsn)
	}
	it.offset += HeaderSize + int64(size)
	return LogRecord{Lsn: lsn, Page: pid, Op: op, Frag: frag}, nil
}

func (it *FragLogIterator) Close() {
	it.file.Close()
}
