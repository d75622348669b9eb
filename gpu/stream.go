package gpu

import (
	"sync"
)

// stream runs the operations issued to it in order on one goroutine.
// The first error an operation returns is kept until the stream is
// synchronized.
type stream struct {
	id    int
	tasks chan func() error
	done  chan struct{}
	wg    sync.WaitGroup

	mu  sync.Mutex
	err error
}

func newStream(id int) *stream {
	s := &stream{
		id:    id,
		tasks: make(chan func() error, 256),
		done:  make(chan struct{}),
	}
	go s.worker()
	log.Debugf("stream %d started", id)
	return s
}

func (s *stream) worker() {
	defer close(s.done)
	for task := range s.tasks {
		if err := task(); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
		s.wg.Done()
	}
}

// submit queues task behind the operations already issued.
func (s *stream) submit(task func() error) {
	s.wg.Add(1)
	s.tasks <- task
}

// do runs task in stream order and waits for it.
func (s *stream) do(task func() error) error {
	res := make(chan error, 1)
	s.submit(func() error {
		err := task()
		res <- err
		return nil
	})
	return <-res
}

// fence returns a channel that receives once everything issued so far is
// done. It carries the error pending on the stream at that point, which
// the receiver takes over.
func (s *stream) fence() <-chan error {
	ch := make(chan error, 1)
	s.submit(func() error {
		s.mu.Lock()
		err := s.err
		s.err = nil
		s.mu.Unlock()
		ch <- err
		return nil
	})
	return ch
}

// synchronize waits for the issued operations and returns the first error
// any of them reported since the last synchronization.
func (s *stream) synchronize() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}

func (s *stream) close() {
	close(s.tasks)
	<-s.done
	log.Debugf("stream %d stopped", s.id)
}
