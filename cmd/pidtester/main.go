// pidtester — стенд настройки PID: подключение к контроллеру привода по последовательному
// порту (или автономная модель), живые графики PV и уставки, изменение коэффициентов на ходу.
//
// Использование:
//
//	pidtester -list-ports                       — список последовательных портов
//	pidtester -port /dev/ttyACM0                — работа с контроллером
//	pidtester -mode sim                         — автономная модель без железа
//	pidtester -config pidtester.yml -listen :8080
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/C-Metcalf/PIDTester/internal/channel"
	"github.com/C-Metcalf/PIDTester/internal/config"
	"github.com/C-Metcalf/PIDTester/internal/logger"
	"github.com/C-Metcalf/PIDTester/pkg/tuner"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигу (по умолчанию pidtester.yml)")
	mode := flag.String("mode", "", "device или sim (переопределяет config)")
	port := flag.String("port", "", "последовательный порт (переопределяет config)")
	baud := flag.Int("baud", 0, "скорость порта (переопределяет config)")
	listen := flag.String("listen", "", "адрес пульта host:port (переопределяет config)")
	listPorts := flag.Bool("list-ports", false, "вывести список последовательных портов и выйти")
	quiet := flag.Bool("quiet", false, "меньше вывода")
	flag.Parse()

	if *listPorts {
		printPorts()
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *port != "" {
		cfg.Device.Port = *port
	}
	if *baud != 0 {
		cfg.Device.Baud = *baud
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	runWithShutdown(cfg, *quiet)
}

func loadConfig(path string) (*config.Config, error) {
	explicit := path != ""
	if !explicit {
		path = "pidtester.yml"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) && !explicit {
		return nil, nil
	}
	return config.Load(path)
}

func printPorts() {
	ports, err := channel.ListPorts()
	if err != nil {
		log.Fatalf("список портов: %v", err)
	}
	if len(ports) == 0 {
		fmt.Println("последовательные порты не найдены")
		return
	}
	for _, p := range ports {
		fmt.Println(p)
	}
}

// runWithShutdown запускает tuner.Run; по SIGINT/SIGTERM контекст отменяется,
// сессия останавливается и порт закрывается.
func runWithShutdown(cfg *config.Config, quiet bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("получен сигнал %v, завершение...", sig)
		cancel()
	}()

	err := tuner.Run(ctx, cfg, quiet)
	logger.Sync()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("%v", err)
		os.Exit(1)
	}
}
