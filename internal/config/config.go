package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/C-Metcalf/PIDTester/internal/channel"
	"github.com/C-Metcalf/PIDTester/internal/frame"
	"github.com/C-Metcalf/PIDTester/internal/session"
)

// Config — конфигурация pidtester
type Config struct {
	Mode      string          `yaml:"mode"` // device или sim
	Device    DeviceConfig    `yaml:"device"`
	Sim       SimConfig       `yaml:"sim"`
	PID       PIDConfig       `yaml:"pid"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// DeviceConfig — последовательный порт контроллера привода
type DeviceConfig struct {
	Port        string `yaml:"port"`
	Baud        int    `yaml:"baud"`
	ReadTimeout string `yaml:"read_timeout"`
	Field       string `yaml:"field"`
}

// SimConfig — автономный режим
type SimConfig struct {
	Interval string `yaml:"interval"`
}

// PIDConfig — начальные коэффициенты и уставка
type PIDConfig struct {
	Kp       float64 `yaml:"kp"`
	Ki       float64 `yaml:"ki"`
	Kd       float64 `yaml:"kd"`
	Setpoint float64 `yaml:"setpoint"`
}

// TelemetryConfig — ёмкость трасс и период перерисовки
type TelemetryConfig struct {
	PVCapacity int    `yaml:"pv_capacity"`
	SPCapacity int    `yaml:"sp_capacity"`
	Redraw     string `yaml:"redraw"`
}

// ServerConfig — адрес пульта
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig — уровень логов (debug, info, warn, error)
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default возвращает конфиг по умолчанию
func Default() *Config {
	return &Config{
		Mode: string(session.ModeDevice),
		Device: DeviceConfig{
			Port:        "/dev/ttyS0",
			Baud:        channel.DefaultBaud,
			ReadTimeout: channel.DefaultReadTimeout.String(),
			Field:       frame.DefaultField,
		},
		Sim: SimConfig{
			Interval: channel.DefaultInterval.String(),
		},
		Telemetry: TelemetryConfig{
			PVCapacity: session.DefaultPVCapacity,
			SPCapacity: session.DefaultSPCapacity,
			Redraw:     "100ms",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8080",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load читает конфиг из YAML
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate проверяет режим и длительности
func (c *Config) Validate() error {
	switch session.Mode(c.Mode) {
	case session.ModeDevice, session.ModeSim:
	default:
		return fmt.Errorf("config: mode %q: want device or sim", c.Mode)
	}
	for name, v := range map[string]string{
		"device.read_timeout": c.Device.ReadTimeout,
		"sim.interval":        c.Sim.Interval,
		"telemetry.redraw":    c.Telemetry.Redraw,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	return nil
}

// ReadTimeout — таймаут чтения порта; при ошибке разбора значение по умолчанию
func (c *Config) ReadTimeout() time.Duration {
	return parseDuration(c.Device.ReadTimeout, channel.DefaultReadTimeout)
}

// SimInterval — период шага автономного режима
func (c *Config) SimInterval() time.Duration {
	return parseDuration(c.Sim.Interval, channel.DefaultInterval)
}

// Redraw — период отправки сэмплов клиентам
func (c *Config) Redraw() time.Duration {
	return parseDuration(c.Telemetry.Redraw, 100*time.Millisecond)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func applyDefaults(c *Config) {
	d := Default()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.Device.Port == "" {
		c.Device.Port = d.Device.Port
	}
	if c.Device.Baud == 0 {
		c.Device.Baud = d.Device.Baud
	}
	if c.Device.ReadTimeout == "" {
		c.Device.ReadTimeout = d.Device.ReadTimeout
	}
	if c.Device.Field == "" {
		c.Device.Field = d.Device.Field
	}
	if c.Sim.Interval == "" {
		c.Sim.Interval = d.Sim.Interval
	}
	if c.Telemetry.PVCapacity <= 0 {
		c.Telemetry.PVCapacity = d.Telemetry.PVCapacity
	}
	if c.Telemetry.SPCapacity <= 0 {
		c.Telemetry.SPCapacity = d.Telemetry.SPCapacity
	}
	if c.Telemetry.Redraw == "" {
		c.Telemetry.Redraw = d.Telemetry.Redraw
	}
	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}
