// Copyright 2026 Trust Tech
// This file is part of the Entrust Core library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

package entrustash

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
)

// Open statuses of a persisted dump, reported through sentinel errors:
// a nil error from memoryMap means the file matched both the magic number
// and the expected payload size and is safe to reuse; ErrInvalidDumpMagic
// and ErrSizeMismatch mean the file must be discarded and regenerated;
// any other error is an I/O failure for this attempt. File absence is
// reported through the wrapped fs error and os.IsNotExist.
var (
	// ErrInvalidDumpMagic is returned when a dump file exists but does not
	// start with the expected magic number.
	ErrInvalidDumpMagic = errors.New("invalid dump magic")

	// ErrSizeMismatch is returned when a dump file carries the right magic
	// number but its payload size differs from the one required for the
	// target epoch.
	ErrSizeMismatch = errors.New("dump size mismatch")
)

// dumpMagic is a dataset dump header to sanity check a data dump. Written in
// native word order it forms the 8 byte sequence 0xFEE1DEADBADDCAFE.
var dumpMagic = []uint32{0xbaddcafe, 0xfee1dead}

// algorithmRevision is the data structure version used for file naming.
var algorithmRevision = 23

// cacheFileName returns the canonical name of a persisted verification cache.
func cacheFileName(seed []byte) string {
	var endian string
	if !isLittleEndian() {
		endian = ".be"
	}
	return fmt.Sprintf("cache-R%d-%x%s", algorithmRevision, seed[:8], endian)
}

// datasetFileName returns the canonical name of a persisted mining dataset.
func datasetFileName(seed []byte) string {
	var endian string
	if !isLittleEndian() {
		endian = ".be"
	}
	return fmt.Sprintf("full-R%d-%x%s", algorithmRevision, seed[:8], endian)
}

// DefaultDir returns the platform specific default directory for persisted
// entrustash datasets, a per-user application data location.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	switch runtime.GOOS {
	case "windows":
		if appdata := os.Getenv("LOCALAPPDATA"); appdata != "" {
			return filepath.Join(appdata, "Entrustash")
		}
		return filepath.Join(home, "AppData", "Local", "Entrustash")
	case "darwin":
		return filepath.Join(home, "Library", "Entrustash")
	default:
		return filepath.Join(home, ".entrustash")
	}
}

// memoryMap tries to memory map a file of uint32s for read only access,
// validating both the magic number prefix and the payload size against the
// expected number of bytes.
func memoryMap(path string, size uint64) (*os.File, mmap.MMap, []uint32, error) {
	file, err := os.OpenFile(path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, nil, nil, err
	}
	mem, buffer, err := memoryMapFile(file, false)
	if err != nil {
		file.Close()
		return nil, nil, nil, err
	}
	if uint64(len(buffer))*4 != uint64(len(dumpMagic))*4+size {
		mem.Unmap()
		file.Close()
		return nil, nil, nil, ErrSizeMismatch
	}
	for i, magic := range dumpMagic {
		if buffer[i] != magic {
			mem.Unmap()
			file.Close()
			return nil, nil, nil, ErrInvalidDumpMagic
		}
	}
	return file, mem, buffer[len(dumpMagic):], err
}

// memoryMapFile tries to memory map an already opened file descriptor.
func memoryMapFile(file *os.File, write bool) (mmap.MMap, []uint32, error) {
	// Try to memory map the file
	flag := mmap.RDONLY
	if write {
		flag = mmap.RDWR
	}
	mem, err := mmap.Map(file, flag, 0)
	if err != nil {
		return nil, nil, err
	}
	// Yay, we managed to memory map the file, here be dragons
	header := *(*reflect.SliceHeader)(unsafe.Pointer(&mem))
	header.Len /= 4
	header.Cap /= 4

	return mem, *(*[]uint32)(unsafe.Pointer(&header)), nil
}

// memoryMapAndGenerate tries to memory map a temporary file of uint32s for
// write access, fill it with the data from a generator and then move it into
// the final path requested. The generator may fail, in which case the
// temporary file is removed and nothing is left at the final path.
func memoryMapAndGenerate(path string, size uint64, generator func(buffer []uint32) error) (*os.File, mmap.MMap, []uint32, error) {
	// Ensure the data folder exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, nil, err
	}
	// Create a huge temporary empty file to fill with data
	temp := path + "." + strconv.Itoa(rand.Int())

	dump, err := os.Create(temp)
	if err != nil {
		return nil, nil, nil, err
	}
	if err = dump.Truncate(int64(len(dumpMagic))*4 + int64(size)); err != nil {
		dump.Close()
		os.Remove(temp)
		return nil, nil, nil, err
	}
	// Memory map the file for writing and fill it with the generator
	mem, buffer, err := memoryMapFile(dump, true)
	if err != nil {
		dump.Close()
		os.Remove(temp)
		return nil, nil, nil, err
	}
	copy(buffer, dumpMagic)

	if err := generator(buffer[len(dumpMagic):]); err != nil {
		mem.Unmap()
		dump.Close()
		os.Remove(temp)
		return nil, nil, nil, err
	}
	if err := mem.Unmap(); err != nil {
		dump.Close()
		os.Remove(temp)
		return nil, nil, nil, err
	}
	if err := dump.Close(); err != nil {
		os.Remove(temp)
		return nil, nil, nil, err
	}
	if err := os.Rename(temp, path); err != nil {
		os.Remove(temp)
		return nil, nil, nil, err
	}
	return memoryMap(path, size)
}
