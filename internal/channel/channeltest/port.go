// Package channeltest — поддельный последовательный порт для тестов channel, session и api.
package channeltest

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Port ведёт себя как порт tarm/serial с таймаутом: Read ждёт данных не дольше Timeout
// и возвращает (0, io.EOF), если ничего не пришло.
type Port struct {
	Timeout time.Duration

	in      chan []byte
	errs    chan error
	pending []byte // только для горутины-читателя

	mu  sync.Mutex
	out bytes.Buffer

	closed          chan struct{}
	closeOnce       sync.Once
	readsAfterClose *atomic.Int64
	reading         *atomic.Bool
}

// New создаёт порт с заданным таймаутом чтения
func New(timeout time.Duration) *Port {
	return &Port{
		Timeout:         timeout,
		in:              make(chan []byte, 256),
		errs:            make(chan error, 1),
		closed:          make(chan struct{}),
		readsAfterClose: atomic.NewInt64(0),
		reading:         atomic.NewBool(false),
	}
}

// Feed кладёт данные во входной поток (как будто их прислало устройство)
func (p *Port) Feed(s string) {
	p.in <- []byte(s)
}

// Fail заставляет ближайший Read вернуть err
func (p *Port) Fail(err error) {
	p.errs <- err
}

// Read реализует io.Reader
func (p *Port) Read(b []byte) (int, error) {
	p.reading.Store(true)
	defer p.reading.Store(false)
	select {
	case <-p.closed:
		p.readsAfterClose.Inc()
		return 0, os.ErrClosed
	default:
	}
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}
	timer := time.NewTimer(p.Timeout)
	defer timer.Stop()
	select {
	case <-p.closed:
		p.readsAfterClose.Inc()
		return 0, os.ErrClosed
	case err := <-p.errs:
		return 0, err
	case chunk := <-p.in:
		n := copy(b, chunk)
		p.pending = chunk[n:]
		return n, nil
	case <-timer.C:
		return 0, io.EOF
	}
}

// Write реализует io.Writer; записанное доступно через Written
func (p *Port) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, os.ErrClosed
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

// Close закрывает порт
func (p *Port) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// Closed сообщает, был ли вызван Close
func (p *Port) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// ReadsAfterClose — сколько раз Read вызывали на закрытом порту
func (p *Port) ReadsAfterClose() int64 {
	return p.readsAfterClose.Load()
}

// Written возвращает всё, что записали в порт
func (p *Port) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

// WaitWritten ждёт, пока в записанном появится substr
func (p *Port) WaitWritten(substr string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if strings.Contains(p.Written(), substr) {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return strings.Contains(p.Written(), substr)
}

// HungUp возвращает поток, чья другая сторона уже закрыта: Read сразу отдаёт (0, io.EOF),
// как pty после выхода имитатора или tty после отключения USB.
func HungUp() io.ReadWriteCloser {
	pr, pw := io.Pipe()
	pw.Close()
	return hungUp{pr}
}

type hungUp struct {
	r *io.PipeReader
}

func (h hungUp) Read(b []byte) (int, error)  { return h.r.Read(b) }
func (h hungUp) Write(b []byte) (int, error) { return 0, io.ErrClosedPipe }
func (h hungUp) Close() error                { return h.r.Close() }
