// Package devsim — имитатор контроллера привода на другом конце порта: принимает
// команды протокола и, пока запущен, каждые Interval шлёт строку телеметрии
// со значением собственного PID регулятора.
package devsim

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/C-Metcalf/PIDTester/internal/channel"
	"github.com/C-Metcalf/PIDTester/internal/frame"
	"github.com/C-Metcalf/PIDTester/internal/logger"
	"github.com/C-Metcalf/PIDTester/internal/params"
	"github.com/C-Metcalf/PIDTester/internal/servo"
)

// State — состояние имитатора
type State int32

const (
	StateIdle State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Config — параметры имитатора
type Config struct {
	Field    string        // поле телеметрии, по умолчанию pos_cnt
	Interval time.Duration // период телеметрии, по умолчанию 100 мс
	Clock    clock.Clock   // nil — системные часы
	Gains    params.Gains
	Setpoint float64
}

// Device — имитатор; Serve можно вызывать последовательно, но не параллельно
type Device struct {
	field    string
	interval time.Duration
	clk      clock.Clock
	params   *params.Store
	state    *atomic.Int32
	sent     *atomic.Uint64
}

// New создаёт имитатор
func New(cfg Config) *Device {
	if cfg.Field == "" {
		cfg.Field = frame.DefaultField
	}
	if cfg.Interval <= 0 {
		cfg.Interval = channel.DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Device{
		field:    cfg.Field,
		interval: cfg.Interval,
		clk:      cfg.Clock,
		params:   params.New(cfg.Gains, cfg.Setpoint),
		state:    atomic.NewInt32(int32(StateIdle)),
		sent:     atomic.NewUint64(0),
	}
}

// State возвращает текущее состояние
func (d *Device) State() State {
	return State(d.state.Load())
}

// Params — коэффициенты и уставка, последние принятые по set_parameters
func (d *Device) Params() *params.Store {
	return d.params
}

// Sent — число отправленных строк телеметрии
func (d *Device) Sent() uint64 {
	return d.sent.Load()
}

// Serve обслуживает один поток до отмены ctx или конца потока.
// После отмены горутина чтения живёт до закрытия rw вызывающим.
func (d *Device) Serve(ctx context.Context, rw io.ReadWriter) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(rw)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		err := sc.Err()
		if err == nil {
			err = io.EOF
		}
		readErr <- err
	}()

	tk := channel.NewTicker(d.clk, d.interval)
	defer tk.Stop()
	engine := servo.NewEngine(0, 0, 0)
	d.state.Store(int32(StateIdle))

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case line := <-lines:
			d.handle(engine, line)
		case <-tk.C():
			if d.State() != StateRunning {
				continue
			}
			g, sp := d.params.Get()
			engine.SetGains(g.Kp, g.Ki, g.Kd)
			b, err := frame.EncodeTelemetry(d.field, engine.Step(sp))
			if err != nil {
				return err
			}
			if _, err := rw.Write(b); err != nil {
				return err
			}
			d.sent.Inc()
		}
	}
}

func (d *Device) handle(engine *servo.Engine, line []byte) {
	cmd, err := frame.DecodeCommand(line)
	if err != nil {
		logger.Debug("devsim: строка пропущена: %v", err)
		return
	}
	switch cmd.Kind {
	case frame.KindStart:
		d.state.Store(int32(StateRunning))
	case frame.KindPause:
		if d.State() == StateRunning {
			d.state.Store(int32(StatePaused))
		}
	case frame.KindStop:
		engine.Reset()
		d.state.Store(int32(StateIdle))
	case frame.KindSetParameters:
		p := cmd.Params
		d.params.SetGains(p.Kp, p.Ki, p.Kd)
		d.params.SetSetpoint(p.Setpoint)
	}
	logger.Debug("devsim: %s -> %s", cmd.Kind, d.State())
}
