// Package ioserver implements a single dedicated worker: one goroutine
// drains a bounded multi-producer queue of pending requests through a
// small in-flight window, advancing each request's phase
// (Commit -> Poll -> End) until its backend signals completion.
package ioserver

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"bufferpool/diskio"
	"bufferpool/iobackend"
)

// Phase is a request's position in the server's state machine.
type Phase int32

const (
	PhaseCommit Phase = iota
	PhasePoll
	PhaseEnd
)

// Request carries everything the server needs to drive one read or
// write through the backend.
type Request struct {
	FH         diskio.FileHandle
	FPageStart uint64
	Iov        [][]byte
	Read       bool
	Completion *iobackend.Completion

	phase atomic.Int32
}

// NewRequest builds a request with its completion freshly allocated.
func NewRequest(fh diskio.FileHandle, fpageStart uint64, iov [][]byte, read bool) *Request {
	return &Request{
		FH:         fh,
		FPageStart: fpageStart,
		Iov:        iov,
		Read:       read,
		Completion: iobackend.NewCompletion(),
	}
}

// Server is one I/O server instance: a backend plus the worker that
// drives it. Multiple partitions may share a single Server, keeping the
// dedicated-worker count independent of the partition count.
//
// The pending-request queue is a bounded Go channel. None of the
// reference pack's repositories vendor a lock-free MPMC queue
// implementation, so a buffered channel is the idiomatic Go substitute:
// multi-producer safe, bounded, and a blocking send is itself the
// spin-retry-on-full cooperative yield point a submitter needs.
type Server struct {
	backend   iobackend.Backend
	queue     chan *Request
	ringDepth int
	logger    *log.Logger

	stop    chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New builds a server over backend with the given pending-queue depth
// and in-flight ring depth (normally the backend's ring_depth).
func New(backend iobackend.Backend, queueDepth, ringDepth int, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		backend:   backend,
		queue:     make(chan *Request, queueDepth),
		ringDepth: ringDepth,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop signals the worker to drain and exit, then joins it. The worker
// only terminates once its stop flag is set and its in-flight ring is
// empty.
func (s *Server) Stop() {
	s.stopped.Store(true)
	close(s.stop)
	s.wg.Wait()
}

// Submit enqueues req. If blocked is true, Submit blocks (cooperatively
// yielding) until there is room; otherwise it returns false immediately
// when the queue is full.
func (s *Server) Submit(req *Request, blocked bool) bool {
	if blocked {
		select {
		case s.queue <- req:
			return true
		case <-s.stop:
			return false
		}
	}
	select {
	case s.queue <- req:
		return true
	default:
		return false
	}
}

func (s *Server) run() {
	defer s.wg.Done()

	ring := make([]*Request, s.ringDepth)

	for {
		// (a) drain new requests into empty ring slots.
		for i := range ring {
			if ring[i] != nil {
				continue
			}
			select {
			case req := <-s.queue:
				req.phase.Store(int32(PhaseCommit))
				ring[i] = req
			default:
			}
		}

		anyInFlight := false
		for i, req := range ring {
			if req == nil {
				continue
			}
			anyInFlight = true
			s.advance(req)
			if Phase(req.phase.Load()) == PhaseEnd {
				ring[i] = nil
			}
		}

		if s.stopped.Load() && !anyInFlight && len(s.queue) == 0 {
			return
		}

		if !anyInFlight {
			// Nothing in the ring and nothing queued: block until a
			// request arrives or Stop is called instead of spinning.
			select {
			case req := <-s.queue:
				req.phase.Store(int32(PhaseCommit))
				ring[0] = req
			case <-s.stop:
			}
			continue
		}

		// A request is still in the ring awaiting backend completion;
		// yield rather than busy-poll it every iteration.
		runtime.Gosched()
	}
}

// advance drives one request's Commit -> Poll -> End transition.
func (s *Server) advance(req *Request) {
	switch Phase(req.phase.Load()) {
	case PhaseCommit:
		var err error
		if req.Read {
			err = s.backend.Read(req.FH, req.FPageStart, req.Iov, req.Completion)
		} else {
			err = s.backend.Write(req.FH, req.FPageStart, req.Iov, req.Completion)
		}
		if err != nil {
			s.logger.Printf("submit failed fd=%d fpage=%d read=%v: %v", req.FH, req.FPageStart, req.Read, err)
		}
		s.backend.Progress()
		if done, _ := req.Completion.Done(); done {
			req.phase.Store(int32(PhaseEnd))
		} else {
			req.phase.Store(int32(PhasePoll))
		}
	case PhasePoll:
		s.backend.Progress()
		if done, _ := req.Completion.Done(); done {
			req.phase.Store(int32(PhaseEnd))
		}
	case PhaseEnd:
		// drained by run()
	}
}
