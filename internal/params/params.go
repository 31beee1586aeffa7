// Package params — общее хранилище коэффициентов и уставки между управляющей стороной и worker.
//
// Коэффициенты и уставка атомарны по отдельности, но не совместно:
// Get может вернуть новые коэффициенты со старой уставкой, но никогда
// не вернёт смесь двух наборов коэффициентов.
package params

import "go.uber.org/atomic"

// Gains — неизменяемый набор коэффициентов. Заменяется только целиком.
type Gains struct {
	Kp float64 `json:"kp" yaml:"kp"`
	Ki float64 `json:"ki" yaml:"ki"`
	Kd float64 `json:"kd" yaml:"kd"`
}

// Store — хранилище с атомарной заменой значения целиком
type Store struct {
	gains    atomic.Pointer[Gains]
	setpoint *atomic.Float64
	version  *atomic.Uint64
}

// New создаёт хранилище с начальными значениями
func New(g Gains, setpoint float64) *Store {
	s := &Store{
		setpoint: atomic.NewFloat64(setpoint),
		version:  atomic.NewUint64(0),
	}
	s.gains.Store(&g)
	return s
}

// Get возвращает снимок коэффициентов и уставки
func (s *Store) Get() (Gains, float64) {
	return s.Gains(), s.Setpoint()
}

// Gains возвращает копию текущего набора коэффициентов
func (s *Store) Gains() Gains {
	return *s.gains.Load()
}

// Setpoint возвращает текущую уставку
func (s *Store) Setpoint() float64 {
	return s.setpoint.Load()
}

// SetGains атомарно заменяет все три коэффициента
func (s *Store) SetGains(kp, ki, kd float64) {
	s.gains.Store(&Gains{Kp: kp, Ki: ki, Kd: kd})
	s.version.Inc()
}

// SetSetpoint атомарно заменяет уставку
func (s *Store) SetSetpoint(v float64) {
	s.setpoint.Store(v)
	s.version.Inc()
}

// Version растёт на каждую запись
func (s *Store) Version() uint64 {
	return s.version.Load()
}
