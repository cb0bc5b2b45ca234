// Package i2c opens I2C bus either through periph.io registry
// or directly through Linux /dev/i2c-N character device.
package i2c

// Thanks to
// https://github.com/kidoman/embd and https://bitbucket.org/gmcbay/i2c

import (
	"os"
	"strings"
	"sync"
	"unsafe"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"
)

const (
	// as defined in /usr/include/linux/i2c-dev.h
	I2C_RDWR = 0x0707 /* Combined R/W transfer (one STOP only) */

	// i2c_msg flags
	// as defined in /usr/include/linux/i2c.h
	I2C_M_RD = 0x0001 /* read data, from slave to master */
)

// Bus is the subset of periph i2c.BusCloser used here.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
	Close() error
}

// Open: name starting with /dev/ is opened with i2c-dev ioctl,
// otherwise name is looked up in periph registry, empty name means first available bus.
func Open(name string) (Bus, error) {
	if strings.HasPrefix(name, "/dev/") {
		return OpenDev(name)
	}
	if _, err := host.Init(); err != nil {
		return nil, errors.Annotate(err, "periph/init")
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, errors.Annotatef(err, "i2c open bus=%s", name)
	}
	return bus, nil
}

type i2c_msg struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   uintptr
}

type i2c_rdwr_ioctl_data struct {
	msgs uintptr
	nmsg uint32
}

type devBus struct {
	path string
	file *os.File
	lk   sync.Mutex
}

func OpenDev(path string) (Bus, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Annotatef(err, "i2c open path=%s", path)
	}
	return &devBus{path: path, file: f}, nil
}

func (b *devBus) String() string { return b.path }

func (b *devBus) Tx(addr uint16, w, r []byte) error {
	b.lk.Lock()
	defer b.lk.Unlock()

	nmsg := uint32(0)
	msgs := [2]i2c_msg{}
	if len(w) != 0 {
		msgs[nmsg] = i2c_msg{
			addr: addr, flags: 0,
			buf: uintptr(unsafe.Pointer(&w[0])), len: uint16(len(w)),
		}
		nmsg++
	}
	if len(r) != 0 {
		msgs[nmsg] = i2c_msg{
			addr: addr, flags: I2C_M_RD,
			buf: uintptr(unsafe.Pointer(&r[0])), len: uint16(len(r)),
		}
		nmsg++
	}
	if nmsg == 0 {
		return errors.Errorf("i2c Tx both w=r=nil nothing to do")
	}

	rdwr_data := i2c_rdwr_ioctl_data{
		msgs: uintptr(unsafe.Pointer(&msgs[0])),
		nmsg: nmsg,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL,
		b.file.Fd(), uintptr(I2C_RDWR), uintptr(unsafe.Pointer(&rdwr_data)))
	if errno != 0 {
		return errors.Annotatef(errno, "i2c Tx path=%s addr=%02x", b.path, addr)
	}
	return nil
}

func (b *devBus) Close() error {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.file.Close()
}
