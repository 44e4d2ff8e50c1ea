package attemptlog

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

const recordHeaderLen = 12

// FileLog is a framed append-only log of test attempts. Every Append is
// flushed and fsynced before it returns so a recorded attempt survives a
// crash of the station process.
type FileLog struct {
	mu        sync.Mutex
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	nextID    ports.LogEntryID
	committed ports.LogEntryID
	sizeBytes int64
}

func NewFileLog(dir string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "attempts.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	l := &FileLog{
		path:     path,
		metaPath: filepath.Join(dir, "attempts.meta"),
		file:     f,
		writer:   bufio.NewWriterSize(f, 64<<10),
	}
	if err := l.bootstrap(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func (l *FileLog) bootstrap() error {
	if err := l.scanExisting(); err != nil {
		return err
	}
	if err := l.loadCommitted(); err != nil {
		return err
	}
	if l.committed > l.nextID {
		l.committed = l.nextID
	}
	_, err := l.file.Seek(0, io.SeekEnd)
	return err
}

// scanExisting finds the last complete record and drops a torn tail left by
// an interrupted write.
func (l *FileLog) scanExisting() error {
	stat, err := os.Stat(l.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err != nil || stat.Size() == 0 {
		return nil
	}

	rf, err := os.Open(l.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var (
		offset int64
		lastID ports.LogEntryID
	)

	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("attempt log scan header: %w", err)
		}
		id := ports.LogEntryID(binary.BigEndian.Uint64(hdr[0:8]))
		length := binary.BigEndian.Uint32(hdr[8:12])

		if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("attempt log scan body: %w", err)
		}
		offset += recordHeaderLen + int64(length)
		lastID = id
	}

	if offset < stat.Size() {
		if err := l.file.Truncate(offset); err != nil {
			return err
		}
	}
	l.sizeBytes = offset
	l.nextID = lastID
	return nil
}

func (l *FileLog) loadCommitted() error {
	data, err := os.ReadFile(l.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("attempt log meta parse: %w", err)
	}
	l.committed = ports.LogEntryID(u)
	return nil
}

func (l *FileLog) Append(a *domain.TestAttempt) (ports.LogEntryID, error) {
	if a == nil {
		return 0, errors.New("attempt log: nil attempt")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return 0, os.ErrClosed
	}

	b, err := json.Marshal(a)
	if err != nil {
		return 0, err
	}
	id := l.nextID + 1

	// entry format: [8 bytes id][4 bytes len][len bytes json]
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))

	if _, err := l.writer.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := l.writer.Write(b); err != nil {
		return 0, err
	}
	if err := l.writer.Flush(); err != nil {
		return 0, err
	}
	if err := l.file.Sync(); err != nil {
		return 0, err
	}

	l.nextID = id
	l.sizeBytes += int64(len(b) + len(hdr))
	return id, nil
}

func (l *FileLog) Iterate(from ports.LogEntryID, fn func(id ports.LogEntryID, a *domain.TestAttempt) error) error {
	l.mu.Lock()
	if l.file != nil {
		if err := l.writer.Flush(); err != nil {
			l.mu.Unlock()
			return err
		}
	}
	size := l.sizeBytes
	l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(io.LimitReader(f, size))
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("attempt log iterate header: %w", err)
		}
		id := ports.LogEntryID(binary.BigEndian.Uint64(hdr[0:8]))
		n := binary.BigEndian.Uint32(hdr[8:12])

		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("corrupt attempt log: %w", err)
		}
		if id < from {
			continue
		}

		var a domain.TestAttempt
		if err := json.Unmarshal(b, &a); err != nil {
			return fmt.Errorf("corrupt attempt log entry %d: %w", id, err)
		}
		if err := fn(id, &a); err != nil {
			return err
		}
	}
}

func (l *FileLog) Commit(upto ports.LogEntryID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if upto > l.nextID {
		upto = l.nextID
	}
	if upto <= l.committed {
		return nil
	}
	l.committed = upto
	return l.persistMetaLocked()
}

func (l *FileLog) Stats() ports.LogStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ports.LogStats{
		OldestUnexported: l.committed + 1,
		LatestAppended:   l.nextID,
		SizeBytes:        l.sizeBytes,
	}
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	flushErr := l.writer.Flush()
	closeErr := l.file.Close()
	l.file = nil
	return errors.Join(flushErr, closeErr)
}

func (l *FileLog) persistMetaLocked() error {
	tmp := l.metaPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d\n", l.committed)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.metaPath)
}

var _ ports.AttemptLog = (*FileLog)(nil)
