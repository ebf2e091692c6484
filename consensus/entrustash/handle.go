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
	"os"
	"path/filepath"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"
)

// ProgressFunc is called during full dataset materialization with the
// percentage completed so far, each percentage point at most once. Returning
// false aborts the generation.
type ProgressFunc func(percent int) bool

// ErrAborted is returned when a progress callback cancels an in-flight
// dataset generation.
var ErrAborted = errors.New("entrustash: generation aborted")

// Light is a standalone verification handle: it pins the cache of a single
// epoch and regenerates dataset items on the fly during Compute.
type Light struct {
	block uint64
	cache []uint32
	seed  []byte
	dsize uint64
}

// NewLight builds the verification cache for the epoch containing the given
// block number.
func NewLight(block uint64) *Light {
	epoch := block / epochLength
	seed := seedHash(block)

	cache := make([]uint32, cacheSize(block)/4)
	generateCache(cache, epoch, seed)

	return &Light{
		block: block,
		cache: cache,
		seed:  seed,
		dsize: datasetSize(block),
	}
}

// Compute runs the hashimoto loop over the cache, regenerating every accessed
// dataset item from scratch. The hash must be 32 bytes.
func (l *Light) Compute(hash []byte, nonce uint64) (digest, result []byte) {
	return hashimotoLight(l.dsize, l.cache, hash, nonce)
}

// Block returns the block number the handle was created for.
func (l *Light) Block() uint64 {
	return l.block
}

// Close releases the cache memory. The handle must not be used afterwards.
func (l *Light) Close() {
	l.cache = nil
}

// Full is a mining handle holding the complete dataset of one epoch, either
// in anonymous memory or backed by a memory mapped file on disk.
type Full struct {
	block   uint64
	dataset []uint32
	dump    *os.File
	mmap    mmap.MMap
}

// NewFull materializes the full dataset for the light handle's epoch. With a
// non-empty dir the dataset is persisted there and reused across runs;
// progress may be nil. If progress aborts the generation, no file is left at
// the final path and the error is ErrAborted.
func NewFull(light *Light, dir string, progress ProgressFunc) (*Full, error) {
	full := &Full{block: light.block}

	if dir == "" {
		full.dataset = make([]uint32, light.dsize/4)
		if err := materializeDataset(full.dataset, light.cache, progress); err != nil {
			return nil, err
		}
		return full, nil
	}
	path := filepath.Join(dir, datasetFileName(light.seed))
	logger := logrus.WithField("epoch", light.block/epochLength)

	var err error
	full.dump, full.mmap, full.dataset, err = memoryMap(path, light.dsize)
	if err == nil {
		logger.Debug("Loaded old entrustash dataset from disk")
		return full, nil
	}
	logger.WithError(err).Debug("Failed to load old entrustash dataset")

	full.dump, full.mmap, full.dataset, err = memoryMapAndGenerate(path, light.dsize, func(buffer []uint32) error {
		return materializeDataset(buffer, light.cache, progress)
	})
	if err != nil {
		return nil, err
	}
	return full, nil
}

// Compute runs the hashimoto loop with direct dataset lookups. The hash must
// be 32 bytes.
func (f *Full) Compute(hash []byte, nonce uint64) (digest, result []byte) {
	return hashimotoFull(f.dataset, hash, nonce)
}

// Block returns the block number the handle was created for.
func (f *Full) Block() uint64 {
	return f.block
}

// Dag exposes the raw dataset bytes, e.g. for GPU upload. The slice aliases
// the dataset memory and is only valid until Close.
func (f *Full) Dag() []byte {
	return uint32Bytes(f.dataset)
}

// DagSize returns the dataset size in bytes.
func (f *Full) DagSize() uint64 {
	return uint64(len(f.dataset)) * 4
}

// Close unmaps and releases the dataset. The handle must not be used
// afterwards.
func (f *Full) Close() {
	if f.mmap != nil {
		f.mmap.Unmap()
		f.dump.Close()
		f.mmap, f.dump = nil, nil
	}
	f.dataset = nil
}

// materializeDataset fills dest with consecutive dataset items generated from
// cache, reporting whole percentage points to progress as they complete. The
// items are swapped to little endian byte order on big endian hosts so that
// persisted files stay portable within one endianness family.
func materializeDataset(dest []uint32, cache []uint32, progress ProgressFunc) error {
	items := uint32(uint64(len(dest)) * 4 / hashBytes)
	buffer := uint32Bytes(dest)

	keccak512 := makeHasher(sha3.NewLegacyKeccak512())

	swapped := !isLittleEndian()
	percent := 0
	for index := uint32(0); index < items; index++ {
		item := generateDatasetItem(cache, index, keccak512)
		if swapped {
			swap(item)
		}
		copy(buffer[uint64(index)*hashBytes:], item)

		if done := int(uint64(index+1) * 100 / uint64(items)); done > percent {
			percent = done
			if progress != nil && !progress(percent) {
				return ErrAborted
			}
		}
	}
	return nil
}
