package paging

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// swapFile is the overflow backing store pages spill to once every
// physical frame is occupied. The file is unlinked immediately after
// creation: its directory entry never needs to outlive the process, and
// an unlinked fd still reads and writes normally until close.
type swapFile struct {
	fd int
}

func openSwapFile(path string, totalSize int64) (*swapFile, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("paging: open swap file %s: %w", path, err)
	}
	if err := unix.Unlink(path); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("paging: unlink swap file %s: %w", path, err)
	}
	if totalSize > 0 {
		if err := unix.Ftruncate(fd, totalSize); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("paging: size swap file to %d: %w", totalSize, err)
		}
	}
	return &swapFile{fd: fd}, nil
}

func (s *swapFile) readPage(off int64, buf []byte) error {
	n, err := unix.Pread(s.fd, buf, off)
	if err != nil {
		return fmt.Errorf("paging: read swap page at %d: %w", off, err)
	}
	if n != len(buf) {
		return fmt.Errorf("paging: short read of swap page at %d: got %d want %d", off, n, len(buf))
	}
	return nil
}

func (s *swapFile) writePage(off int64, buf []byte) error {
	n, err := unix.Pwrite(s.fd, buf, off)
	if err != nil {
		return fmt.Errorf("paging: write swap page at %d: %w", off, err)
	}
	if n != len(buf) {
		return fmt.Errorf("paging: short write of swap page at %d: wrote %d want %d", off, n, len(buf))
	}
	return nil
}

func (s *swapFile) close() error {
	return unix.Close(s.fd)
}
