// Package servo — дискретный PID регулятор без ввода-вывода.
package servo

import "math"

// termPrecision — точность округления слагаемых (4 знака после запятой),
// как в исходной прошивке; влияет на вид трассы, не на устойчивость.
const termPrecision = 1e4

// Engine — PID регулятор, шагающий по вызовам Step (без привязки к времени).
// Не потокобезопасен: принадлежит одной горутине (worker или devsim).
type Engine struct {
	kp, ki, kd float64

	pv       float64 // process value
	err      float64 // setpoint - pv на последнем шаге
	integral float64 // сумма ошибок с последнего Reset
	cycles   uint64  // начинается с 1, делитель в D-слагаемом
}

// NewEngine создаёт регулятор с заданными коэффициентами
func NewEngine(kp, ki, kd float64) *Engine {
	return &Engine{kp: kp, ki: ki, kd: kd, cycles: 1}
}

// Step выполняет один цикл и возвращает новое значение pv.
//
//	pv += Kp*err + Ki*I + Kd*(I/cycles)
func (e *Engine) Step(target float64) float64 {
	e.err = target - e.pv
	e.integral += e.err
	p := round(e.kp * e.err)
	i := round(e.ki * e.integral)
	d := round(e.kd * (e.integral / float64(e.cycles)))
	e.pv += p + i + d
	e.cycles++
	return e.pv
}

// SetGains заменяет коэффициенты; интеграл и pv сохраняются
func (e *Engine) SetGains(kp, ki, kd float64) {
	e.kp, e.ki, e.kd = kp, ki, kd
}

// Reset обнуляет pv и интеграл, cycles = 1. Коэффициенты не трогает.
func (e *Engine) Reset() {
	e.pv = 0
	e.err = 0
	e.integral = 0
	e.cycles = 1
}

// Gains возвращает текущие коэффициенты
func (e *Engine) Gains() (kp, ki, kd float64) {
	return e.kp, e.ki, e.kd
}

// ProcessValue возвращает pv после последнего шага
func (e *Engine) ProcessValue() float64 { return e.pv }

// Error возвращает ошибку последнего шага
func (e *Engine) Error() float64 { return e.err }

// Integral возвращает накопленную ошибку
func (e *Engine) Integral() float64 { return e.integral }

// Cycles возвращает номер следующего цикла (>= 1)
func (e *Engine) Cycles() uint64 { return e.cycles }

func round(x float64) float64 {
	return math.Round(x*termPrecision) / termPrecision
}
