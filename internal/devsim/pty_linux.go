//go:build linux

package devsim

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PTY — пара псевдотерминала: имитатор работает с Master,
// pidtester открывает Name (/dev/pts/N) как обычный последовательный порт.
type PTY struct {
	Master *os.File
	Name   string
	slave  *os.File
}

// OpenPTY открывает пару через /dev/ptmx, разблокирует и переводит ведомую сторону в raw.
// Ведомая сторона остаётся открытой, чтобы Master не получал EIO между подключениями.
func OpenPTY() (*PTY, error) {
	mfd, err := unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/ptmx: %w", err)
	}
	if err := unix.IoctlSetPointerInt(mfd, unix.TIOCSPTLCK, 0); err != nil {
		unix.Close(mfd)
		return nil, fmt.Errorf("unlockpt: %w", err)
	}
	n, err := unix.IoctlGetInt(mfd, unix.TIOCGPTN)
	if err != nil {
		unix.Close(mfd)
		return nil, fmt.Errorf("ptsname: %w", err)
	}
	name := fmt.Sprintf("/dev/pts/%d", n)
	master := os.NewFile(uintptr(mfd), "/dev/ptmx")

	slave, err := os.OpenFile(name, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := makeRaw(int(slave.Fd())); err != nil {
		slave.Close()
		master.Close()
		return nil, fmt.Errorf("raw %s: %w", name, err)
	}
	return &PTY{Master: master, Name: name, slave: slave}, nil
}

// Close закрывает обе стороны
func (p *PTY) Close() error {
	serr := p.slave.Close()
	if err := p.Master.Close(); err != nil {
		return err
	}
	return serr
}

// makeRaw — аналог cfmakeraw(3)
func makeRaw(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
