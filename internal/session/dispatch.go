package session

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/C-Metcalf/PIDTester/internal/frame"
	"github.com/C-Metcalf/PIDTester/internal/logger"
)

// ErrInvalidParameter — одно из четырёх полей не является конечным числом
var ErrInvalidParameter = errors.New("invalid parameter")

// ValidationError указывает, какое поле не прошло проверку
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("%s: %q is not a finite number", e.Field, e.Value)
}

// Unwrap позволяет errors.Is(err, ErrInvalidParameter)
func (e *ValidationError) Unwrap() error {
	return ErrInvalidParameter
}

// ParseParameters проверяет четыре текстовых поля (Kp, Ki, Kd, setpoint).
// При любой ошибке ничего не возвращает частично.
func ParseParameters(kp, ki, kd, setpoint string) (frame.Parameters, error) {
	var p frame.Parameters
	fields := []struct {
		name string
		text string
		dst  *float64
	}{
		{"Kp", kp, &p.Kp},
		{"Ki", ki, &p.Ki},
		{"Kd", kd, &p.Kd},
		{"setpoint", setpoint, &p.Setpoint},
	}
	for _, f := range fields {
		text := strings.TrimSpace(f.text)
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			var numErr *strconv.NumError
			if errors.As(err, &numErr) {
				err = numErr.Err
			}
			return frame.Parameters{}, &ValidationError{Field: f.name, Value: f.text, Err: err}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return frame.Parameters{}, &ValidationError{Field: f.name, Value: f.text}
		}
		*f.dst = v
	}
	return p, nil
}

// Start — кнопка «старт»
func (s *Session) Start() error {
	return s.lifecycle(frame.Start())
}

// Pause — кнопка «пауза». В режиме sim переводит worker в Paused.
func (s *Session) Pause() error {
	return s.lifecycle(frame.Pause())
}

// Stop — кнопка «стоп». В режиме sim сбрасывает регулятор и переводит worker в Idle.
func (s *Session) Stop() error {
	return s.lifecycle(frame.Stop())
}

// Apply проверяет поля и применяет параметры: в режиме sim — в хранилище,
// в режиме device — командой set_parameters (и затем в хранилище для отображения).
func (s *Session) Apply(kp, ki, kd, setpoint string) error {
	p, err := ParseParameters(kp, ki, kd, setpoint)
	if err != nil {
		logger.Info("параметры отклонены: %v", err)
		return err
	}
	if s.closed() {
		return ErrClosed
	}
	if s.mode == ModeDevice {
		if err := s.send(frame.SetParameters(p)); err != nil {
			return err
		}
	}
	s.params.SetGains(p.Kp, p.Ki, p.Kd)
	s.params.SetSetpoint(p.Setpoint)
	logger.Info("параметры: Kp=%g Ki=%g Kd=%g setpoint=%g", p.Kp, p.Ki, p.Kd, p.Setpoint)
	return nil
}

// ClearGraph очищает обе трассы
func (s *Session) ClearGraph() {
	s.pv.Clear()
	s.sp.Clear()
}

func (s *Session) lifecycle(cmd frame.Command) error {
	if s.mode == ModeDevice {
		return s.send(cmd)
	}
	c := simCmd{cmd: cmd, ack: make(chan struct{})}
	select {
	case s.cmds <- c:
	case <-s.done:
		return ErrClosed
	}
	select {
	case <-c.ack:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) send(cmd frame.Command) error {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	if s.linkClosed || s.closed() {
		return ErrClosed
	}
	if err := s.link.Send(cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Kind, err)
	}
	logger.Debug("отправлено: %s", cmd.Kind)
	return nil
}
