// Package session — одна сессия управления: фоновый worker, хранилище параметров,
// буферы телеметрии и диспетчер команд.
//
// Режим device: worker читает телеметрию из Link и кладёт значения в трассу PV,
// команды уходят в порт. Режим sim: worker сам шагает PID по тикеру и пишет
// трассы PV и уставки.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/C-Metcalf/PIDTester/internal/channel"
	"github.com/C-Metcalf/PIDTester/internal/frame"
	"github.com/C-Metcalf/PIDTester/internal/logger"
	"github.com/C-Metcalf/PIDTester/internal/params"
	"github.com/C-Metcalf/PIDTester/internal/servo"
	"github.com/C-Metcalf/PIDTester/internal/telemetry"
)

// Mode — вариант транспорта
type Mode string

const (
	ModeDevice Mode = "device"
	ModeSim    Mode = "sim"
)

// Пределы хранения трасс по умолчанию
const (
	DefaultPVCapacity = 1500
	DefaultSPCapacity = 150
)

// ErrClosed — сессия уже закрыта или worker завершился
var ErrClosed = errors.New("session closed")

// State — состояние worker
type State int32

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopped // терминальное
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Link — то, что worker требует от внешнего канала (реализует *channel.Link)
type Link interface {
	ReadSample() (float64, error)
	Send(frame.Command) error
	Close() error
}

// Options — параметры сессии
type Options struct {
	Mode       Mode
	Link       Link          // обязателен в режиме device
	Interval   time.Duration // период шага в режиме sim
	Clock      clock.Clock   // nil — системные часы
	Gains      params.Gains
	Setpoint   float64
	PVCapacity int
	SPCapacity int
}

// Status — снимок состояния для отображения
type Status struct {
	Mode     Mode         `json:"mode"`
	State    string       `json:"state"`
	Gains    params.Gains `json:"gains"`
	Setpoint float64      `json:"setpoint"`
	Steps    uint64       `json:"steps"`
	PVLen    int          `json:"pv_len"`
	SPLen    int          `json:"sp_len"`
	Dropped  uint64       `json:"dropped"`
}

// Session — одна сессия управления. Методы Start/Pause/Stop/Apply/ClearGraph
// безопасно вызывать из любых горутин.
type Session struct {
	mode     Mode
	link     Link
	clk      clock.Clock
	interval time.Duration

	params *params.Store
	pv     *telemetry.Sink
	sp     *telemetry.Sink

	state   *atomic.Int32
	steps   *atomic.Uint64
	dropped *atomic.Uint64

	cmds   chan simCmd // только sim
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	fatal  chan error

	closeOnce sync.Once
	closeErr  error

	linkMu     sync.Mutex // Send и закрытие порта
	linkClosed bool

	errMu    sync.Mutex
	fatalErr error
}

// Open создаёт сессию и запускает worker
func Open(opts Options) (*Session, error) {
	switch opts.Mode {
	case ModeDevice:
		if opts.Link == nil {
			return nil, fmt.Errorf("session: mode %s requires a link", opts.Mode)
		}
	case ModeSim:
	default:
		return nil, fmt.Errorf("session: unknown mode %q", opts.Mode)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = channel.DefaultInterval
	}
	if opts.PVCapacity <= 0 {
		opts.PVCapacity = DefaultPVCapacity
	}
	if opts.SPCapacity <= 0 {
		opts.SPCapacity = DefaultSPCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		mode:     opts.Mode,
		link:     opts.Link,
		clk:      opts.Clock,
		interval: opts.Interval,
		params:   params.New(opts.Gains, opts.Setpoint),
		pv:       telemetry.NewSink(opts.PVCapacity),
		sp:       telemetry.NewSink(opts.SPCapacity),
		state:    atomic.NewInt32(int32(StateIdle)),
		steps:    atomic.NewUint64(0),
		dropped:  atomic.NewUint64(0),
		cmds:     make(chan simCmd),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		fatal:    make(chan error, 1),
	}

	if s.mode == ModeDevice {
		s.setState(StateRunning)
		go s.runDevice()
	} else {
		// тикер создаётся до возврата, чтобы первый шаг часов его не пропустил
		tk := channel.NewTicker(s.clk, s.interval)
		go s.runSim(tk)
	}
	logger.Info("сессия открыта: mode=%s", s.mode)
	return s, nil
}

// Close останавливает worker, дожидается его выхода и только потом закрывает порт.
// Повторные вызовы возвращают результат первого.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.setState(StateStopped)
		if s.link != nil {
			s.linkMu.Lock()
			s.linkClosed = true
			s.closeErr = multierr.Append(s.closeErr, s.link.Close())
			s.linkMu.Unlock()
		}
		logger.Info("сессия закрыта: шагов=%d отброшено строк=%d", s.steps.Load(), s.dropped.Load())
	})
	return s.closeErr
}

// Done закрывается, когда worker завершился (Close или фатальная ошибка)
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Fatal отдаёт фатальную ошибку транспорта не больше одного раза
func (s *Session) Fatal() <-chan error {
	return s.fatal
}

// Err возвращает фатальную ошибку, если worker завершился из-за неё
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.fatalErr
}

// Mode возвращает режим сессии
func (s *Session) Mode() Mode {
	return s.mode
}

// State возвращает состояние worker
func (s *Session) State() State {
	return State(s.state.Load())
}

// Params возвращает хранилище параметров сессии
func (s *Session) Params() *params.Store {
	return s.params
}

// PV — трасса значения процесса
func (s *Session) PV() *telemetry.Sink {
	return s.pv
}

// SP — трасса уставки (заполняется в режиме sim)
func (s *Session) SP() *telemetry.Sink {
	return s.sp
}

// Status возвращает снимок состояния
func (s *Session) Status() Status {
	g, sp := s.params.Get()
	return Status{
		Mode:     s.mode,
		State:    s.State().String(),
		Gains:    g,
		Setpoint: sp,
		Steps:    s.steps.Load(),
		PVLen:    s.pv.Len(),
		SPLen:    s.sp.Len(),
		Dropped:  s.dropped.Load(),
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// runDevice — цикл режима device: чтение с таймаутом, между чтениями проверка отмены.
func (s *Session) runDevice() {
	defer close(s.done)
	limiter := rate.NewLimiter(rate.Every(5*time.Second), 1)
	for s.ctx.Err() == nil {
		v, err := s.link.ReadSample()
		switch {
		case err == nil:
			s.pv.Append(s.clk.Now(), v)
			s.steps.Inc()
		case errors.Is(err, channel.ErrTimeout):
		case errors.Is(err, channel.ErrMalformed):
			s.dropped.Inc()
			if limiter.Allow() {
				logger.Debug("строка телеметрии отброшена: %v (всего %d)", err, s.dropped.Load())
			}
		default:
			if s.ctx.Err() != nil {
				return
			}
			s.fail(err)
			return
		}
	}
}

// runSim — цикл режима sim. Движок принадлежит только этой горутине.
func (s *Session) runSim(tk *channel.Ticker) {
	defer close(s.done)
	defer tk.Stop()
	engine := servo.NewEngine(0, 0, 0)
	for {
		select {
		case <-s.ctx.Done():
			return
		case c := <-s.cmds:
			s.handleSim(engine, c.cmd)
			close(c.ack)
		case now := <-tk.C():
			if s.State() != StateRunning {
				continue
			}
			g, sp := s.params.Get()
			engine.SetGains(g.Kp, g.Ki, g.Kd)
			pv := engine.Step(sp)
			s.pv.Append(now, pv)
			s.sp.Append(now, sp)
			s.steps.Inc()
		}
	}
}

func (s *Session) handleSim(engine *servo.Engine, cmd frame.Command) {
	switch cmd.Kind {
	case frame.KindStart:
		s.setState(StateRunning)
	case frame.KindPause:
		if s.State() == StateRunning {
			s.setState(StatePaused)
		}
	case frame.KindStop:
		engine.Reset()
		s.setState(StateIdle)
	}
	logger.Debug("sim: %s -> %s", cmd.Kind, s.State())
}

// simCmd — команда жизненного цикла для worker режима sim; ack закрывается после применения
type simCmd struct {
	cmd frame.Command
	ack chan struct{}
}

// fail фиксирует фатальную ошибку: состояние Stopped, одно уведомление в Fatal.
func (s *Session) fail(err error) {
	s.errMu.Lock()
	s.fatalErr = err
	s.errMu.Unlock()
	s.setState(StateStopped)
	logger.Error("транспорт непригоден, сессия остановлена: %v", err)
	select {
	case s.fatal <- err:
	default:
	}
}
