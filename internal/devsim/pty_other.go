//go:build !linux

package devsim

import (
	"errors"
	"os"
)

// PTY — на не-Linux не поддерживается
type PTY struct {
	Master *os.File
	Name   string
}

// OpenPTY — заглушка на не-Linux.
func OpenPTY() (*PTY, error) {
	return nil, errors.New("devsim: pty is supported on linux only")
}

// Close — заглушка на не-Linux.
func (p *PTY) Close() error {
	return nil
}
