// Package channel — транспорт сэмплов: строковый канал до контроллера по последовательному порту
// или внутренний таймер в автономном режиме.
package channel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/C-Metcalf/PIDTester/internal/frame"
)

// Параметры порта по умолчанию: 115200 8N1, таймаут чтения 1 с
const (
	DefaultBaud        = 115200
	DefaultReadTimeout = time.Second
)

// maxLineLen — строка длиннее без '\n' отбрасывается целиком
const maxLineLen = 4096

// Пустой io.EOF быстрее hangupWindow — не таймаут, а обрыв (закрытый pipe/pty,
// отключённый USB tty). hangupReads таких чтений подряд — порт непригоден.
const (
	defaultHangupWindow = 5 * time.Millisecond
	hangupReads         = 3
)

var (
	// ErrTimeout — за таймаут не пришла полная строка; незаконченная часть сохраняется
	ErrTimeout = errors.New("read timeout")
	// ErrMalformed — строка пришла, но не разобралась; чтение можно продолжать
	ErrMalformed = frame.ErrMalformed
	// ErrHangup — другая сторона закрыла поток; фатальная ошибка
	ErrHangup = errors.New("link hung up")
)

// Config — параметры последовательного порта
type Config struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
	Field       string // поле телеметрии, по умолчанию pos_cnt
}

// Link — строковый канал до внешнего контроллера.
// ReadSample вызывается из одной горутины (worker), Send — из любых.
type Link struct {
	name    string
	rwc     io.ReadWriteCloser
	rd      *bufio.Reader
	field   string
	pending []byte

	hangupWindow time.Duration
	eofs         int // пустых быстрых EOF подряд

	wmu sync.Mutex
}

// Open открывает последовательный порт 8N1 с таймаутом чтения (tarm/serial)
func Open(c Config) (*Link, error) {
	if c.Baud == 0 {
		c.Baud = DefaultBaud
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	sc := &serial.Config{
		Name:        c.Port,
		Baud:        c.Baud,
		ReadTimeout: c.ReadTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	p, err := serial.OpenPort(sc)
	if err != nil {
		return nil, fmt.Errorf("serial open %s: %w", c.Port, err)
	}
	l := NewLink(p, c.Field)
	l.name = c.Port
	l.hangupWindow = c.ReadTimeout / 2
	return l, nil
}

// NewLink оборачивает произвольный поток (pty, pipe, тестовый порт)
func NewLink(rwc io.ReadWriteCloser, field string) *Link {
	if field == "" {
		field = frame.DefaultField
	}
	return &Link{
		name:         "stream",
		rwc:          rwc,
		rd:           bufio.NewReader(rwc),
		field:        field,
		hangupWindow: defaultHangupWindow,
	}
}

// Name возвращает имя порта для логов
func (l *Link) Name() string {
	return l.name
}

// ReadSample читает одну строку телеметрии и возвращает значение поля.
// ErrTimeout и ErrMalformed не фатальны; любая другая ошибка (в том числе ErrHangup) —
// порт непригоден.
func (l *Link) ReadSample() (float64, error) {
	start := time.Now()
	s, err := l.rd.ReadString('\n')
	l.pending = append(l.pending, s...)
	if len(l.pending) > maxLineLen {
		l.pending = l.pending[:0]
		return 0, fmt.Errorf("%w: line exceeds %d bytes", ErrMalformed, maxLineLen)
	}
	if err != nil {
		if s == "" && errors.Is(err, io.EOF) && time.Since(start) < l.hangupWindow {
			l.eofs++
			if l.eofs >= hangupReads {
				return 0, fmt.Errorf("serial read %s: %w", l.name, ErrHangup)
			}
			return 0, ErrTimeout
		}
		l.eofs = 0
		if isTimeout(err) {
			return 0, ErrTimeout
		}
		return 0, fmt.Errorf("serial read %s: %w", l.name, err)
	}
	l.eofs = 0
	line := l.pending
	l.pending = l.pending[:0]
	return frame.DecodeTelemetry(line, l.field)
}

// Send сериализует команду и пишет её в порт
func (l *Link) Send(c frame.Command) error {
	b, err := frame.EncodeCommand(c)
	if err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := l.rwc.Write(b); err != nil {
		return fmt.Errorf("serial write %s: %w", l.name, err)
	}
	return nil
}

// Close закрывает порт
func (l *Link) Close() error {
	if l.rwc == nil {
		return nil
	}
	return l.rwc.Close()
}

// isTimeout: tarm/serial на posix при истечении VTIME отдаёт (0, io.EOF),
// os.File/net.Conn с дедлайном — ErrDeadlineExceeded.
func isTimeout(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrNoProgress) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
