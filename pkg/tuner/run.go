// Package tuner предоставляет запуск сессии настройки PID вместе с пультом для встраивания.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/C-Metcalf/PIDTester/internal/api"
	"github.com/C-Metcalf/PIDTester/internal/channel"
	"github.com/C-Metcalf/PIDTester/internal/config"
	"github.com/C-Metcalf/PIDTester/internal/logger"
	"github.com/C-Metcalf/PIDTester/internal/params"
	"github.com/C-Metcalf/PIDTester/internal/session"
)

// Run открывает канал (режим device), сессию и пульт и работает до отмены ctx.
// Фатальная ошибка канала завершает Run с этой ошибкой. Отмена ctx — не ошибка.
func Run(ctx context.Context, cfg *config.Config, quiet bool) error {
	if cfg == nil {
		cfg = config.Default()
	}
	logger.Quiet = quiet
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	opts := session.Options{
		Mode:       session.Mode(cfg.Mode),
		Interval:   cfg.SimInterval(),
		Gains:      params.Gains{Kp: cfg.PID.Kp, Ki: cfg.PID.Ki, Kd: cfg.PID.Kd},
		Setpoint:   cfg.PID.Setpoint,
		PVCapacity: cfg.Telemetry.PVCapacity,
		SPCapacity: cfg.Telemetry.SPCapacity,
	}
	if opts.Mode == session.ModeDevice {
		link, err := channel.Open(channel.Config{
			Port:        cfg.Device.Port,
			Baud:        cfg.Device.Baud,
			ReadTimeout: cfg.ReadTimeout(),
			Field:       cfg.Device.Field,
		})
		if err != nil {
			return err
		}
		opts.Link = link
	}

	s, err := session.Open(opts)
	if err != nil {
		if opts.Link != nil {
			_ = opts.Link.Close()
		}
		return err
	}
	srv := api.New(api.Config{Addr: cfg.Server.Listen, Redraw: cfg.Redraw()}, s)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
		}
		return nil
	})
	g.Go(func() error {
		defer srv.Stop()
		select {
		case <-gctx.Done():
			return nil
		case err := <-s.Fatal():
			return err
		}
	})
	err = g.Wait()
	return multierr.Append(err, s.Close())
}
