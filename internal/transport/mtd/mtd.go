// Package mtd implements the opaque/Linux-MTD master shape (§4.A
// "opaque (e.g. Linux MTD)"): probe via sysfs, read/write via seeked
// file I/O chunked to the erase-block size, and erase via the MEMERASE
// ioctl.
//
// Grounded directly on original_source/linux_mtd.c: read_sysfs_int/
// read_sysfs_string, get_mtd_info's flags/size/erasesize/
// numeraseregions checks, linux_mtd_read/write's "align to eraseblock
// size" chunking loop, and linux_mtd_erase's MEMERASE ioctl loop.
package mtd

import (
	"bufio"
	"context"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const sysfsRoot = "/sys/class/mtd"

// Info is the sysfs-derived geometry get_mtd_info collects.
type Info struct {
	Name            string
	Writeable       bool
	NoErase         bool
	TotalSize       uint64
	EraseSize       uint32
	NumEraseRegions uint64
}

// eraseInfoUser mirrors struct erase_info_user from mtd-user.h, the
// payload for the MEMERASE ioctl.
type eraseInfoUser struct {
	Start  uint32
	Length uint32
}

// memeraseIoctl is MEMERASE, the Linux MTD ioctl request number from
// mtd-abi.h.
const memeraseIoctl = 0x40084d02

// Probe reads sysfs under /sys/class/mtd/mtdN and validates the
// "nor", power-of-two size/erasesize, and zero-erase-region
// requirements get_mtd_info enforces.
func Probe(devNum int) (*Info, error) {
	return probeAt(filepath.Join(sysfsRoot, fmt.Sprintf("mtd%d", devNum)))
}

// probeAt runs the same validation as Probe against an arbitrary sysfs
// directory, letting tests point it at a fake device tree.
func probeAt(path string) (*Info, error) {
	kind, err := readSysfsString(path, "type")
	if err != nil {
		return nil, err
	}
	if kind != "nor" {
		return nil, fmt.Errorf("mtd: device type %q is not \"nor\"", kind)
	}

	flags, err := readSysfsUint(path, "flags")
	if err != nil {
		return nil, err
	}
	const mtdWriteable = 0x400
	const mtdNoErase = 0x1000

	name, err := readSysfsString(path, "name")
	if err != nil {
		return nil, err
	}
	totalSize, err := readSysfsUint(path, "size")
	if err != nil {
		return nil, err
	}
	if bits.OnesCount64(totalSize) != 1 {
		return nil, fmt.Errorf("mtd: size is not a power of 2")
	}
	eraseSize, err := readSysfsUint(path, "erasesize")
	if err != nil {
		return nil, err
	}
	if bits.OnesCount64(eraseSize) != 1 {
		return nil, fmt.Errorf("mtd: erase size is not a power of 2")
	}
	numRegions, err := readSysfsUint(path, "numeraseregions")
	if err != nil {
		return nil, err
	}
	if numRegions != 0 {
		return nil, fmt.Errorf("mtd: non-uniform eraseblock size is unsupported")
	}

	return &Info{
		Name:            name,
		Writeable:       flags&mtdWriteable != 0,
		NoErase:         flags&mtdNoErase != 0,
		TotalSize:       totalSize,
		EraseSize:       uint32(eraseSize),
		NumEraseRegions: numRegions,
	}, nil
}

func readSysfsString(sysfsPath, filename string) (string, error) {
	f, err := os.Open(filepath.Join(sysfsPath, filename))
	if err != nil {
		return "", fmt.Errorf("mtd: cannot open %s: %w", filename, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", nil
	}
	return strings.TrimSpace(scanner.Text()), nil
}

func readSysfsUint(sysfsPath, filename string) (uint64, error) {
	s, err := readSysfsString(sysfsPath, filename)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("mtd: parsing %s=%q: %w", filename, s, err)
	}
	return v, nil
}

// Master is the opened /dev/mtdN device bound as a chipio.Master.
type Master struct {
	info *Info
	file *os.File
}

// Open opens /dev/mtd<devNum> after probing its sysfs geometry.
func Open(devNum int) (*Master, error) {
	info, err := Probe(devNum)
	if err != nil {
		return nil, err
	}
	flag := os.O_RDONLY
	if info.Writeable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(fmt.Sprintf("/dev/mtd%d", devNum), flag, 0)
	if err != nil {
		return nil, fmt.Errorf("mtd: opening device: %w", err)
	}
	return &Master{info: info, file: f}, nil
}

// Info returns the probed geometry.
func (m *Master) Info() *Info { return m.info }

// Read seeks to addr and reads len(buf) bytes, chunked to the erase
// block boundary exactly as linux_mtd_read does.
func (m *Master) Read(_ context.Context, buf []byte, addr uint32) error {
	if _, err := m.file.Seek(int64(addr), os.SEEK_SET); err != nil {
		return fmt.Errorf("mtd: seek to %#x: %w", addr, err)
	}
	eb := m.info.EraseSize
	i := uint32(0)
	for i < uint32(len(buf)) {
		step := eb - (addr+i)%eb
		if step > uint32(len(buf))-i {
			step = uint32(len(buf)) - i
		}
		if _, err := m.file.Read(buf[i : i+step]); err != nil {
			return fmt.Errorf("mtd: read %#x bytes at %#x: %w", step, addr+i, err)
		}
		i += step
	}
	return nil
}

// Write seeks to addr and writes buf, chunked to the erase-block
// boundary and flushed after each chunk, as linux_mtd_write does.
func (m *Master) Write(_ context.Context, buf []byte, addr uint32) error {
	if !m.info.Writeable {
		return fmt.Errorf("mtd: device is not writeable")
	}
	if _, err := m.file.Seek(int64(addr), os.SEEK_SET); err != nil {
		return fmt.Errorf("mtd: seek to %#x: %w", addr, err)
	}
	eb := m.info.EraseSize
	i := uint32(0)
	for i < uint32(len(buf)) {
		step := eb - (addr+i)%eb
		if step > uint32(len(buf))-i {
			step = uint32(len(buf)) - i
		}
		if _, err := m.file.Write(buf[i : i+step]); err != nil {
			return fmt.Errorf("mtd: write %#x bytes at %#x: %w", step, addr+i, err)
		}
		if err := m.file.Sync(); err != nil {
			return fmt.Errorf("mtd: flush: %w", err)
		}
		i += step
	}
	return nil
}

// Erase issues one MEMERASE ioctl per erase-block within [addr, addr+len)
// (§4.A opaque master "erase").
func (m *Master) Erase(_ context.Context, addr, length uint32) error {
	if m.info.NoErase {
		return fmt.Errorf("mtd: device does not support erasing")
	}
	if m.info.NumEraseRegions != 0 {
		return fmt.Errorf("mtd: numeraseregions must be 0")
	}
	for u := uint32(0); u < length; u += m.info.EraseSize {
		info := eraseInfoUser{Start: addr + u, Length: m.info.EraseSize}
		if err := ioctlMemErase(m.file.Fd(), &info); err != nil {
			return fmt.Errorf("mtd: MEMERASE at %#x: %w", addr+u, err)
		}
	}
	return nil
}

func ioctlMemErase(fd uintptr, info *eraseInfoUser) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(memeraseIoctl), uintptr(unsafe.Pointer(info)))
	if errno != 0 {
		return errno
	}
	return nil
}

// MaxDataRead/MaxDataWrite implement chipio.Master; MTD has no inherent
// transfer limit per linux_mtd_opaque_master's MAX_DATA_UNSPECIFIED.
func (m *Master) MaxDataRead() uint32  { return 0 }
func (m *Master) MaxDataWrite() uint32 { return 0 }

// Shutdown closes the device file.
func (m *Master) Shutdown(context.Context) error {
	return m.file.Close()
}
