package ioserver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"bufferpool/diskio"
	"bufferpool/iobackend"
)

const testPageSize = 512

func newServer(t *testing.T, ring bool) (*Server, diskio.FileHandle) {
	t.Helper()
	disk := diskio.New(testPageSize)
	path := filepath.Join(t.TempDir(), "ioserver_test.dat")
	fh, err := disk.Open(path, os.O_RDWR|os.O_CREATE)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var backend iobackend.Backend
	if ring {
		backend = iobackend.NewRing(disk, 8)
	} else {
		backend = iobackend.NewSyscall(disk)
	}

	s := New(backend, 8, 8, nil)
	s.Start()
	t.Cleanup(s.Stop)
	return s, fh
}

func TestServerWriteThenReadSyscallBackend(t *testing.T) {
	s, fh := newServer(t, false)

	page := make([]byte, testPageSize)
	for i := range page {
		page[i] = byte(i)
	}
	wreq := NewRequest(fh, 0, [][]byte{page}, false)
	if !s.Submit(wreq, true) {
		t.Fatal("expected write submit to succeed")
	}
	if err := wreq.Completion.Wait(); err != nil {
		t.Fatalf("write completion: %v", err)
	}

	got := make([]byte, testPageSize)
	rreq := NewRequest(fh, 0, [][]byte{got}, true)
	if !s.Submit(rreq, true) {
		t.Fatal("expected read submit to succeed")
	}
	if err := rreq.Completion.Wait(); err != nil {
		t.Fatalf("read completion: %v", err)
	}
	for i := range page {
		if got[i] != page[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

func TestServerWriteThenReadRingBackend(t *testing.T) {
	s, fh := newServer(t, true)

	page := make([]byte, testPageSize)
	page[0] = 0x42
	wreq := NewRequest(fh, 1, [][]byte{page}, false)
	s.Submit(wreq, true)
	if err := wreq.Completion.Wait(); err != nil {
		t.Fatalf("write completion: %v", err)
	}

	got := make([]byte, testPageSize)
	rreq := NewRequest(fh, 1, [][]byte{got}, true)
	s.Submit(rreq, true)
	if err := rreq.Completion.Wait(); err != nil {
		t.Fatalf("read completion: %v", err)
	}
	if got[0] != 0x42 {
		t.Fatalf("expected byte 0x42, got 0x%x", got[0])
	}
}

func TestServerStopDrainsInFlight(t *testing.T) {
	disk := diskio.New(testPageSize)
	path := filepath.Join(t.TempDir(), "ioserver_stop_test.dat")
	fh, err := disk.Open(path, os.O_RDWR|os.O_CREATE)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	backend := iobackend.NewSyscall(disk)
	s := New(backend, 8, 8, nil)
	s.Start()

	reqs := make([]*Request, 4)
	for i := range reqs {
		reqs[i] = NewRequest(fh, uint64(i), [][]byte{make([]byte, testPageSize)}, false)
		if !s.Submit(reqs[i], true) {
			t.Fatalf("submit %d failed", i)
		}
	}

	s.Stop()

	for i, r := range reqs {
		done, err := r.Completion.Done()
		if !done {
			t.Fatalf("request %d not completed after Stop", i)
		}
		if err != nil {
			t.Fatalf("request %d completion error: %v", i, err)
		}
	}
}

func TestSubmitBlockingReturnsFalseWhenStopped(t *testing.T) {
	disk := diskio.New(testPageSize)
	path := filepath.Join(t.TempDir(), "ioserver_closed_test.dat")
	fh, _ := disk.Open(path, os.O_RDWR|os.O_CREATE)
	backend := iobackend.NewSyscall(disk)
	// Unbuffered queue: once the worker has stopped, nothing ever
	// drains it, so the blocking Submit below can only resolve through
	// the stop channel, never a buffered send succeeding by chance.
	s := New(backend, 0, 1, nil)
	s.Start()
	s.Stop()

	// Give the blocking Submit a bounded window; with stop already
	// closed it must return promptly rather than hang.
	done := make(chan bool, 1)
	go func() {
		req := NewRequest(fh, 0, [][]byte{make([]byte, testPageSize)}, false)
		done <- s.Submit(req, true)
	}()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected Submit to fail once the server is stopped")
		}
	case <-time.After(time.Second):
		t.Fatal("Submit did not return after Stop")
	}
}
