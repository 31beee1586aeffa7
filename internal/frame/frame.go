// Package frame — строковый протокол с контроллером привода: одна запись на строку, '\n' в конце.
//
// Исходящие команды: "start", "pause", "stop" или JSON {"Kp":..,"Ki":..,"Kd":..,"setpoint":..}.
// Входящая телеметрия: JSON объект, из которого берётся одно числовое поле (по умолчанию pos_cnt).
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// DefaultField — поле телеметрии по умолчанию (счётчик положения)
const DefaultField = "pos_cnt"

// ErrMalformed — строка не разбирается как запись протокола
var ErrMalformed = errors.New("malformed frame")

// Kind — тип исходящей команды
type Kind int

const (
	KindStart Kind = iota
	KindPause
	KindStop
	KindSetParameters
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindPause:
		return "pause"
	case KindStop:
		return "stop"
	case KindSetParameters:
		return "set_parameters"
	default:
		return "unknown"
	}
}

// Parameters — тело set_parameters; имена ключей как ждёт прошивка
type Parameters struct {
	Kp       float64 `json:"Kp"`
	Ki       float64 `json:"Ki"`
	Kd       float64 `json:"Kd"`
	Setpoint float64 `json:"setpoint"`
}

// Command — исходящая команда (CommandFrame)
type Command struct {
	Kind   Kind
	Params Parameters // только для KindSetParameters
}

// Start, Pause, Stop, SetParameters — конструкторы команд
func Start() Command { return Command{Kind: KindStart} }

func Pause() Command { return Command{Kind: KindPause} }

func Stop() Command { return Command{Kind: KindStop} }

func SetParameters(p Parameters) Command {
	return Command{Kind: KindSetParameters, Params: p}
}

// EncodeCommand сериализует команду в одну строку с '\n'
func EncodeCommand(c Command) ([]byte, error) {
	switch c.Kind {
	case KindStart, KindPause, KindStop:
		return []byte(c.Kind.String() + "\n"), nil
	case KindSetParameters:
		p := c.Params
		for _, v := range []float64{p.Kp, p.Ki, p.Kd, p.Setpoint} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("encode %s: non-finite value %v", c.Kind, v)
			}
		}
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", c.Kind, err)
		}
		return append(b, '\n'), nil
	default:
		return nil, fmt.Errorf("encode: unknown command kind %d", int(c.Kind))
	}
}

// DecodeCommand разбирает строку команды (сторона устройства, devsim)
func DecodeCommand(line []byte) (Command, error) {
	line = bytes.TrimSpace(line)
	switch string(line) {
	case "start":
		return Start(), nil
	case "pause":
		return Pause(), nil
	case "stop":
		return Stop(), nil
	}
	if len(line) == 0 || line[0] != '{' {
		return Command{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var p Parameters
	for key, dst := range map[string]*float64{"Kp": &p.Kp, "Ki": &p.Ki, "Kd": &p.Kd, "setpoint": &p.Setpoint} {
		v, ok := raw[key]
		if !ok {
			return Command{}, fmt.Errorf("%w: missing %s", ErrMalformed, key)
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return Command{}, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
		}
	}
	return SetParameters(p), nil
}

// DecodeTelemetry извлекает числовое поле field из строки телеметрии
func DecodeTelemetry(line []byte, field string) (float64, error) {
	if field == "" {
		field = DefaultField
	}
	line = bytes.TrimSpace(line)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	v, ok := raw[field]
	if !ok {
		return 0, fmt.Errorf("%w: no field %q", ErrMalformed, field)
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, fmt.Errorf("%w: field %q: %v", ErrMalformed, field, err)
	}
	return f, nil
}

// EncodeTelemetry собирает строку телеметрии {"<field>": v}\n
func EncodeTelemetry(field string, v float64) ([]byte, error) {
	if field == "" {
		field = DefaultField
	}
	b, err := json.Marshal(map[string]float64{field: v})
	if err != nil {
		return nil, fmt.Errorf("encode telemetry: %w", err)
	}
	return append(b, '\n'), nil
}
