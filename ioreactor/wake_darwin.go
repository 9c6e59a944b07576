//go:build darwin

package ioreactor

import "golang.org/x/sys/unix"

// createWakeFD creates a self-pipe for wake-up notifications, grounded
// on the teacher's createWakeFd for Darwin (no eventfd on BSD kqueue
// systems, so a non-blocking pipe stands in for it).
func createWakeFD() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return 0, 0, err
		}
	}
	return fds[0], fds[1], nil
}

func drainWakeFD(fd int) {
	var buf [256]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}

func writeWakeFD(fd int) error {
	_, err := unix.Write(fd, []byte{1})
	return err
}
