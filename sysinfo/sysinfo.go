// Package sysinfo exposes process-wide system information as a single
// initialized-once value, per the design note that global process state
// should be a singleton rather than free-floating mutable globals.
package sysinfo

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"
)

// Info is the immutable snapshot of process/host information.
type Info struct {
	CPUCount    int
	PageSize    int
	Endian      binary.ByteOrder
	PID         int
	ProcessName string
}

var (
	once sync.Once
	info Info
)

// Get returns the process-wide Info singleton, computing it on first call.
func Get() Info {
	once.Do(func() {
		info = Info{
			CPUCount:    runtime.NumCPU(),
			PageSize:    os.Getpagesize(),
			Endian:      detectEndian(),
			PID:         os.Getpid(),
			ProcessName: processName(),
		}
	})
	return info
}

// detectEndian probes host byte order by writing a known uint16 and
// reading back the first byte, the conventional Go idiom for this.
func detectEndian() binary.ByteOrder {
	var x uint16 = 0x0102
	b := (*[2]byte)(unsafe.Pointer(&x))
	if b[0] == 0x01 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func processName() string {
	exe, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return filepath.Base(exe)
}
