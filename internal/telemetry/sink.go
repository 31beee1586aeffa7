// Package telemetry — ограниченный кольцевой буфер сэмплов для отрисовки трасс.
package telemetry

import (
	"sync"
	"time"
)

// Sample — одна точка трассы. Seq назначает Sink, монотонно и без сброса при Clear.
type Sample struct {
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Sink — потокобезопасный кольцевой буфер: при переполнении вытесняется самый старый сэмпл.
// Все операции под одним mutex, поэтому Clear выполняется целиком до или после любого Append.
type Sink struct {
	mu    sync.Mutex
	buf   []Sample
	start int // индекс самого старого
	n     int
	seq   uint64
}

// NewSink создаёт буфер на capacity точек (минимум 1)
func NewSink(capacity int) *Sink {
	if capacity < 1 {
		capacity = 1
	}
	return &Sink{buf: make([]Sample, capacity)}
}

// Append добавляет сэмпл и возвращает его с назначенным Seq
func (s *Sink) Append(t time.Time, v float64) Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	smp := Sample{Seq: s.seq, Time: t, Value: v}
	if s.n < len(s.buf) {
		s.buf[(s.start+s.n)%len(s.buf)] = smp
		s.n++
		return smp
	}
	s.buf[s.start] = smp
	s.start = (s.start + 1) % len(s.buf)
	return smp
}

// Clear удаляет все сэмплы
func (s *Sink) Clear() {
	s.mu.Lock()
	s.start = 0
	s.n = 0
	s.mu.Unlock()
}

// Len — число сэмплов в буфере
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Cap — предел хранения
func (s *Sink) Cap() int {
	return len(s.buf)
}

// LastSeq — Seq последнего добавленного сэмпла (0, если не было ни одного)
func (s *Sink) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Snapshot возвращает копию буфера от старых к новым
func (s *Sink) Snapshot() []Sample {
	return s.Since(0)
}

// Since возвращает сэмплы с Seq > seq, от старых к новым
func (s *Sink) Since(seq uint64) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, 0, s.n)
	for i := 0; i < s.n; i++ {
		smp := s.buf[(s.start+i)%len(s.buf)]
		if smp.Seq > seq {
			out = append(out, smp)
		}
	}
	return out
}

// Values возвращает только значения, от старых к новым
func (s *Sink) Values() []float64 {
	snap := s.Snapshot()
	out := make([]float64, len(snap))
	for i, smp := range snap {
		out[i] = smp.Value
	}
	return out
}
