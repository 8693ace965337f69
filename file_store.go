package calr

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// fileStore implements ReceiptStore with append-only files.
//
// Record format in receipts.dat:
//
//	[4]byte: encoded length (uint32)
//	[n]byte: protobuf receipt, tag included
//
// Tail format in tail.dat:
//
//	[8]byte: index (uint64)
//	[32]byte: tag
type fileStore struct {
	dir         string
	receiptFile *os.File
	tailFile    *os.File
	mu          sync.RWMutex
}

const (
	receiptsFileName = "receipts.dat"
	tailFileName     = "tail.dat"
	tailEntrySize    = 8 + 32
	maxReceiptSize   = 1 << 20
)

// OpenFileStore creates or opens a file-based receipt store in dir.
func OpenFileStore(dir string) (ReceiptStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	receiptPath := filepath.Join(dir, receiptsFileName)
	receiptFile, err := os.OpenFile(receiptPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open receipt file: %w", err)
	}

	tailPath := filepath.Join(dir, tailFileName)
	tailFile, err := os.OpenFile(tailPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		_ = receiptFile.Close()
		return nil, fmt.Errorf("open tail file: %w", err)
	}

	s := &fileStore{
		dir:         dir,
		receiptFile: receiptFile,
		tailFile:    tailFile,
	}
	if err := s.recover(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// recover repairs the effects of a crash inside Append. The receipt is
// synced before tail.dat is rewritten, so receipts.dat may end in a torn
// record or hold a receipt past the stored tail. The torn bytes are cut off
// and the tail is moved to the last complete receipt.
func (s *fileStore) recover() error {
	if err := syscall.Flock(int(s.receiptFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock receipt file: %w", err)
	}
	defer syscall.Flock(int(s.receiptFile.Fd()), syscall.LOCK_UN)

	file, err := os.Open(filepath.Join(s.dir, receiptsFileName))
	if err != nil {
		return fmt.Errorf("open receipt file for recovery: %w", err)
	}
	defer file.Close()

	var (
		last  Receipt
		found bool
		good  int64
	)
	reader := bufio.NewReader(file)
	for {
		body, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			if terr := s.receiptFile.Truncate(good); terr != nil {
				return fmt.Errorf("truncate torn receipt: %w", terr)
			}
			if serr := s.receiptFile.Sync(); serr != nil {
				return fmt.Errorf("sync receipt file: %w", serr)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("scan receipts: %w", err)
		}
		r, err := UnmarshalReceipt(body)
		if err != nil {
			return fmt.Errorf("scan receipts: %w", err)
		}
		good += 4 + int64(len(body))
		last, found = r, true
	}
	if !found {
		return nil
	}

	tail, _, err := s.readTailLocked()
	if err != nil {
		return err
	}
	if tail.Index == last.Index && tail.Tag == last.Tag {
		return nil
	}
	if tail.Index > last.Index {
		return fmt.Errorf("tail at %d is past the last receipt %d", tail.Index, last.Index)
	}
	return s.writeTailLocked(TailState{Index: last.Index, Tag: last.Tag})
}

// Append writes a receipt and the new tail.
func (s *fileStore) Append(r Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := syscall.Flock(int(s.receiptFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock receipt file: %w", err)
	}
	defer syscall.Flock(int(s.receiptFile.Fd()), syscall.LOCK_UN)

	tail, _, err := s.readTailLocked()
	if err != nil {
		return err
	}
	if tail.Index != r.Index-1 {
		return fmt.Errorf("non-contiguous append: have %d, got %d", tail.Index, r.Index)
	}

	if err := s.writeReceiptLocked(r); err != nil {
		return err
	}
	if err := s.receiptFile.Sync(); err != nil {
		return fmt.Errorf("sync receipt file: %w", err)
	}

	return s.writeTailLocked(TailState{Index: r.Index, Tag: r.Tag})
}

// writeReceiptLocked writes a single length-prefixed receipt (caller must hold lock).
func (s *fileStore) writeReceiptLocked(r Receipt) error {
	body, err := MarshalReceipt(r)
	if err != nil {
		return err
	}
	if len(body) > maxReceiptSize {
		return fmt.Errorf("receipt too large: %d bytes", len(body))
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)

	n, err := s.receiptFile.Write(buf)
	if err != nil {
		return fmt.Errorf("write receipt: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("incomplete write: %d of %d bytes", n, len(buf))
	}
	return nil
}

// readRecord reads one length-prefixed record body. It returns io.EOF at a
// clean end and io.ErrUnexpectedEOF for a torn record.
func readRecord(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxReceiptSize {
		return nil, fmt.Errorf("%w: record of %d bytes", ErrMalformedReceipt, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read receipt body: %w", err)
	}
	return body, nil
}

// readReceipt reads one length-prefixed receipt. It returns io.EOF at a clean end.
func readReceipt(r *bufio.Reader) (Receipt, error) {
	body, err := readRecord(r)
	if err != nil {
		return Receipt{}, err
	}
	return UnmarshalReceipt(body)
}

// Iter returns a channel that yields receipts starting from startIdx.
func (s *fileStore) Iter(startIdx uint64) (<-chan Receipt, func() error, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := os.Open(filepath.Join(s.dir, receiptsFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("open receipt file for reading: %w", err)
	}

	out := make(chan Receipt, 64)
	done := make(chan struct{})
	var iterErr error

	go func() {
		defer close(out)
		defer file.Close()

		reader := bufio.NewReader(file)
		for {
			r, err := readReceipt(reader)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					iterErr = err
				}
				return
			}
			if r.Index < startIdx {
				continue
			}
			select {
			case out <- r:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cleanup := func() error {
		once.Do(func() { close(done) })
		for range out {
		}
		return iterErr
	}
	return out, cleanup, nil
}

// Tail returns the index and tag of the last receipt.
func (s *fileStore) Tail() (TailState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readTailLocked()
}

func (s *fileStore) readTailLocked() (TailState, bool, error) {
	var tail TailState
	if _, err := s.tailFile.Seek(0, io.SeekStart); err != nil {
		return tail, false, fmt.Errorf("seek tail file: %w", err)
	}
	buf := make([]byte, tailEntrySize)
	if _, err := io.ReadFull(s.tailFile, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return tail, false, nil
		}
		return tail, false, fmt.Errorf("read tail: %w", err)
	}
	tail.Index = binary.BigEndian.Uint64(buf[0:8])
	copy(tail.Tag[:], buf[8:40])
	return tail, true, nil
}

func (s *fileStore) writeTailLocked(tail TailState) error {
	if err := s.tailFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate tail file: %w", err)
	}
	if _, err := s.tailFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek tail file: %w", err)
	}
	buf := make([]byte, tailEntrySize)
	binary.BigEndian.PutUint64(buf[0:8], tail.Index)
	copy(buf[8:40], tail.Tag[:])
	if _, err := s.tailFile.Write(buf); err != nil {
		return fmt.Errorf("write tail: %w", err)
	}
	if err := s.tailFile.Sync(); err != nil {
		return fmt.Errorf("sync tail file: %w", err)
	}
	return nil
}

// Close closes the file store.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.receiptFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close receipt file: %w", err))
	}
	if err := s.tailFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close tail file: %w", err))
	}
	return errors.Join(errs...)
}
