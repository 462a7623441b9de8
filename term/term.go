// Package term switches the controlling terminal to raw mode for the serial
// console.
package term

import (
	"io"

	"golang.org/x/sys/unix"
)

// IsTerminal reports whether fd refers to a terminal.
func IsTerminal(fd int) bool {
	_, err := unix.IoctlGetTermios(fd, unix.TCGETS)

	return err == nil
}

// SetRawMode puts fd into raw mode and returns a function restoring the
// previous settings.
func SetRawMode(fd int) (func(), error) {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return func() {}, err
	}

	old := *t

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.IEXTEN
	// ISIG stays on so ^C still reaches the VMM.
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return func() {}, err
	}

	return func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, &old)
	}, nil
}

// Escape is the byte that, followed by 'x', detaches from the console.
const Escape = 0x01

// EscapeReader passes input through until Escape followed by 'x' went by,
// and reports io.EOF from then on.
type EscapeReader struct {
	R io.Reader

	before byte
	done   bool
}

func (e *EscapeReader) Read(p []byte) (int, error) {
	if e.done {
		return 0, io.EOF
	}

	n, err := e.R.Read(p)

	for i, b := range p[:n] {
		if e.before == Escape && b == 'x' {
			e.done = true

			return i + 1, nil
		}

		e.before = b
	}

	return n, err
}
