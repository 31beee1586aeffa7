// pid-devsim — имитатор контроллера привода на псевдотерминале: позволяет
// запустить pidtester в режиме device без железа.
//
// Использование:
//
//	pid-devsim                  — создать /dev/pts/N и ждать команд
//	pidtester -port /dev/pts/N  — подключиться к имитатору
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/C-Metcalf/PIDTester/internal/devsim"
	"github.com/C-Metcalf/PIDTester/internal/frame"
	"github.com/C-Metcalf/PIDTester/internal/logger"
)

func main() {
	interval := flag.Duration("interval", 100*time.Millisecond, "период телеметрии")
	field := flag.String("field", frame.DefaultField, "поле телеметрии")
	quiet := flag.Bool("quiet", false, "меньше вывода")
	flag.Parse()
	logger.Quiet = *quiet

	pty, err := devsim.OpenPTY()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(pty.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("получен сигнал %v, завершение...", sig)
		cancel()
	}()

	dev := devsim.New(devsim.Config{Field: *field, Interval: *interval})
	logger.Info("имитатор на %s, период %s", pty.Name, *interval)
	if err := dev.Serve(ctx, pty.Master); err != nil && ctx.Err() == nil {
		logger.Error("%v", err)
	}
	// закрытие отпускает горутину чтения Serve
	if err := pty.Close(); err != nil {
		logger.Error("pty: %v", err)
	}
	logger.Info("отправлено строк: %d", dev.Sent())
}
