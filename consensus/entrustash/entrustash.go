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

// Package entrustash implements the entrustash proof-of-work algorithm: a
// memory-hard scheme built around a per-epoch pseudorandom dataset that light
// verifiers regenerate piecewise from a small cache and full miners
// materialize in memory or on disk.
package entrustash

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/hashicorp/golang-lru/simplelru"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// sharedEntrustash is a full instance that can be shared between multiple
// users.
var sharedEntrustash = New(Config{CachesInMem: 3, DatasetsInMem: 1})

// Mode defines the type and amount of PoW verification an entrustash engine
// makes.
type Mode uint

const (
	ModeNormal Mode = iota
	ModeShared
	ModeTest
	ModeFake
	ModeFullFake
)

// Config are the configuration parameters of the entrustash.
type Config struct {
	CacheDir       string
	CachesInMem    int
	CachesOnDisk   int
	DatasetDir     string
	DatasetsInMem  int
	DatasetsOnDisk int
	PowMode        Mode
}

// lru tracks caches or datasets by their last use time, keeping at most N of
// them.
type lru struct {
	what string
	new  func(epoch uint64) interface{}
	mu   sync.Mutex
	// Items are kept in a LRU cache, but there is a special case:
	// We always keep an item for (highest seen epoch) + 1 as the 'future item'.
	cache      *simplelru.LRU
	future     uint64
	futureItem interface{}
}

// newlru create a new least-recently-used cache for either the verification
// caches or the mining datasets.
func newlru(what string, maxItems int, new func(epoch uint64) interface{}) *lru {
	if maxItems <= 0 {
		maxItems = 1
	}
	cache, _ := simplelru.NewLRU(maxItems, func(key, value interface{}) {
		logrus.WithField("epoch", key).Trace("Evicted entrustash " + what)
	})
	return &lru{what: what, new: new, cache: cache}
}

// get retrieves or creates an item for the given epoch. The first return
// value is always non-nil. The second return value is non-nil if lru thinks
// that an item will be useful in the near future.
func (lru *lru) get(epoch uint64) (item, future interface{}) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	// Get or create the item for the requested epoch.
	item, ok := lru.cache.Get(epoch)
	if !ok {
		if lru.future > 0 && lru.future == epoch {
			item = lru.futureItem
		} else {
			logrus.WithField("epoch", epoch).Trace("Requiring new entrustash " + lru.what)
			item = lru.new(epoch)
		}
		lru.cache.Add(epoch, item)
	}
	// Update the 'future item' if epoch is larger than previously seen.
	if epoch < maxEpoch-1 && lru.future < epoch+1 {
		logrus.WithField("epoch", epoch+1).Trace("Requiring new future entrustash " + lru.what)
		future = lru.new(epoch + 1)
		lru.future = epoch + 1
		lru.futureItem = future
	}
	return item, future
}

// cache wraps an entrustash cache with some metadata to allow easier
// concurrent use.
type cache struct {
	epoch uint64    // Epoch for which this cache is relevant
	dump  *os.File  // File descriptor of the memory mapped cache
	mmap  mmap.MMap // Memory map itself to unmap before releasing
	cache []uint32  // The actual cache data content (may be memory mapped)
	once  sync.Once // Ensures the cache is generated only once
}

// newCache creates a new entrustash verification cache and returns it as a
// plain Go interface to be usable in an LRU cache.
func newCache(epoch uint64) interface{} {
	return &cache{epoch: epoch}
}

// generate ensures that the cache content is generated before use.
func (c *cache) generate(dir string, limit int, test bool) {
	c.once.Do(func() {
		size := cacheSize(c.epoch*epochLength + 1)
		seed := seedHash(c.epoch*epochLength + 1)
		if test {
			size = 1024
		}
		// If we don't store anything on disk, generate and return.
		if dir == "" {
			c.cache = make([]uint32, size/4)
			generateCache(c.cache, c.epoch, seed)
			return
		}
		// Disk storage is needed, this will get fancy
		path := filepath.Join(dir, cacheFileName(seed))
		logger := logrus.WithField("epoch", c.epoch)

		// We're about to mmap the file, ensure that the mapping is cleaned up
		// when the cache becomes unused.
		runtime.SetFinalizer(c, (*cache).finalizer)

		// Try to load the file from disk and memory map it
		var err error
		c.dump, c.mmap, c.cache, err = memoryMap(path, size)
		if err == nil {
			logger.Debug("Loaded old entrustash cache from disk")
			return
		}
		logger.WithError(err).Debug("Failed to load old entrustash cache")

		// No previous cache available, create a new cache file to fill
		c.dump, c.mmap, c.cache, err = memoryMapAndGenerate(path, size, func(buffer []uint32) error {
			generateCache(buffer, c.epoch, seed)
			return nil
		})
		if err != nil {
			logger.WithError(err).Error("Failed to generate mapped entrustash cache")

			c.cache = make([]uint32, size/4)
			generateCache(c.cache, c.epoch, seed)
		}
		// Iterate over all previous instances and delete old ones
		for ep := int(c.epoch) - limit; ep >= 0; ep-- {
			seed := seedHash(uint64(ep)*epochLength + 1)
			os.Remove(filepath.Join(dir, cacheFileName(seed)))
		}
	})
}

// finalizer unmaps the memory and closes the file.
func (c *cache) finalizer() {
	if c.mmap != nil {
		c.mmap.Unmap()
		c.dump.Close()
		c.mmap, c.dump = nil, nil
	}
}

// dataset wraps an entrustash dataset with some metadata to allow easier
// concurrent use.
type dataset struct {
	epoch   uint64    // Epoch for which this dataset is relevant
	dump    *os.File  // File descriptor of the memory mapped dataset
	mmap    mmap.MMap // Memory map itself to unmap before releasing
	dataset []uint32  // The actual dataset content (may be memory mapped)
	once    sync.Once // Ensures the dataset is generated only once
}

// newDataset creates a new entrustash mining dataset and returns it as a
// plain Go interface to be usable in an LRU cache.
func newDataset(epoch uint64) interface{} {
	return &dataset{epoch: epoch}
}

// generate ensures that the dataset content is generated before use.
func (d *dataset) generate(dir string, limit int, test bool) {
	d.once.Do(func() {
		csize := cacheSize(d.epoch*epochLength + 1)
		dsize := datasetSize(d.epoch*epochLength + 1)
		seed := seedHash(d.epoch*epochLength + 1)
		if test {
			csize = 1024
			dsize = 32 * 1024
		}
		// If we don't store anything on disk, generate and return
		if dir == "" {
			cache := make([]uint32, csize/4)
			generateCache(cache, d.epoch, seed)

			d.dataset = make([]uint32, dsize/4)
			generateDataset(d.dataset, d.epoch, cache)
			return
		}
		// Disk storage is needed, this will get fancy
		path := filepath.Join(dir, datasetFileName(seed))
		logger := logrus.WithField("epoch", d.epoch)

		// We're about to mmap the file, ensure that the mapping is cleaned up
		// when the dataset becomes unused.
		runtime.SetFinalizer(d, (*dataset).finalizer)

		// Try to load the file from disk and memory map it
		var err error
		d.dump, d.mmap, d.dataset, err = memoryMap(path, dsize)
		if err == nil {
			logger.Debug("Loaded old entrustash dataset from disk")
			return
		}
		logger.WithError(err).Debug("Failed to load old entrustash dataset")

		// No previous dataset available, create a new dataset file to fill
		cache := make([]uint32, csize/4)
		generateCache(cache, d.epoch, seed)

		d.dump, d.mmap, d.dataset, err = memoryMapAndGenerate(path, dsize, func(buffer []uint32) error {
			generateDataset(buffer, d.epoch, cache)
			return nil
		})
		if err != nil {
			logger.WithError(err).Error("Failed to generate mapped entrustash dataset")

			d.dataset = make([]uint32, dsize/4)
			generateDataset(d.dataset, d.epoch, cache)
		}
		// Iterate over all previous instances and delete old ones
		for ep := int(d.epoch) - limit; ep >= 0; ep-- {
			seed := seedHash(uint64(ep)*epochLength + 1)
			os.Remove(filepath.Join(dir, datasetFileName(seed)))
		}
	})
}

// finalizer closes any file handlers and memory maps open.
func (d *dataset) finalizer() {
	if d.mmap != nil {
		d.mmap.Unmap()
		d.dump.Close()
		d.mmap, d.dump = nil, nil
	}
}

// MakeCache generates a new entrustash cache and optionally stores it to
// disk.
func MakeCache(block uint64, dir string) {
	c := cache{epoch: block / epochLength}
	c.generate(dir, math.MaxInt32, false)
}

// MakeDataset generates a new entrustash dataset and optionally stores it to
// disk.
func MakeDataset(block uint64, dir string) {
	d := dataset{epoch: block / epochLength}
	d.generate(dir, math.MaxInt32, false)
}

// Entrustash is a proof-of-work engine implementing the entrustash algorithm.
type Entrustash struct {
	config Config

	caches   *lru // In memory caches to avoid regenerating too often
	datasets *lru // In memory datasets to avoid regenerating too often

	// Mining related fields
	rand     *rand.Rand    // Properly seeded random source for nonces
	threads  int           // Number of threads to mine on if mining
	update   chan struct{} // Notification channel to update mining parameters
	hashrate metrics.Meter // Meter tracking the average hashrate

	// The fields below are hooks for testing
	shared    *Entrustash   // Shared PoW verifier to avoid cache regeneration
	fakeFail  uint64        // Block number which fails PoW check even in fake mode
	fakeDelay time.Duration // Time delay to sleep for before returning from verify

	lock sync.Mutex // Ensures thread safety for the in-memory caches and mining fields
}

// New creates a full sized entrustash PoW scheme.
func New(config Config) *Entrustash {
	if config.CachesInMem <= 0 {
		logrus.WithField("requested", config.CachesInMem).Warn("One entrustash cache must always be in memory")
		config.CachesInMem = 1
	}
	if config.CacheDir != "" && config.CachesOnDisk > 0 {
		logrus.WithFields(logrus.Fields{"dir": config.CacheDir, "count": config.CachesOnDisk}).
			Info("Disk storage enabled for entrustash caches")
	}
	if config.DatasetDir != "" && config.DatasetsOnDisk > 0 {
		logrus.WithFields(logrus.Fields{"dir": config.DatasetDir, "count": config.DatasetsOnDisk}).
			Info("Disk storage enabled for entrustash DAGs")
	}
	return &Entrustash{
		config:   config,
		caches:   newlru("cache", config.CachesInMem, newCache),
		datasets: newlru("dataset", config.DatasetsInMem, newDataset),
		update:   make(chan struct{}),
		hashrate: metrics.NewMeter(),
	}
}

// NewTester creates a small sized entrustash PoW scheme useful only for
// testing purposes.
func NewTester() *Entrustash {
	return New(Config{CachesInMem: 1, PowMode: ModeTest})
}

// NewFaker creates an entrustash engine with a fake PoW scheme that accepts
// all seals as valid.
func NewFaker() *Entrustash {
	return &Entrustash{config: Config{PowMode: ModeFake}}
}

// NewFakeFailer creates an entrustash engine with a fake PoW scheme that
// accepts all seals as valid apart from the single one specified.
func NewFakeFailer(fail uint64) *Entrustash {
	return &Entrustash{config: Config{PowMode: ModeFake}, fakeFail: fail}
}

// NewFakeDelayer creates an entrustash engine with a fake PoW scheme that
// accepts all seals as valid, but delays verifications by some time.
func NewFakeDelayer(delay time.Duration) *Entrustash {
	return &Entrustash{config: Config{PowMode: ModeFake}, fakeDelay: delay}
}

// NewFullFaker creates an entrustash engine with a full fake scheme that
// accepts all seals as valid, without checking anything whatsoever.
func NewFullFaker() *Entrustash {
	return &Entrustash{config: Config{PowMode: ModeFullFake}}
}

// NewShared creates a full sized entrustash PoW shared between all requesters
// running in the same process.
func NewShared() *Entrustash {
	return &Entrustash{shared: sharedEntrustash}
}

// cache tries to retrieve a verification cache for the specified block number
// by first checking against a list of in-memory caches, then against caches
// stored on disk, and finally generating one if none can be found.
func (entrustash *Entrustash) cache(block uint64) *cache {
	epoch := block / epochLength
	currentI, futureI := entrustash.caches.get(epoch)
	current := currentI.(*cache)

	// Wait for generation finish.
	current.generate(entrustash.config.CacheDir, entrustash.config.CachesOnDisk, entrustash.config.PowMode == ModeTest)

	// If we need a new future cache, now's a good time to regenerate it.
	if futureI != nil {
		future := futureI.(*cache)
		go future.generate(entrustash.config.CacheDir, entrustash.config.CachesOnDisk, entrustash.config.PowMode == ModeTest)
	}
	return current
}

// dataset tries to retrieve a mining dataset for the specified block number
// by first checking against a list of in-memory datasets, then against DAGs
// stored on disk, and finally generating one if none can be found.
func (entrustash *Entrustash) dataset(block uint64) *dataset {
	epoch := block / epochLength
	currentI, futureI := entrustash.datasets.get(epoch)
	current := currentI.(*dataset)

	// Wait for generation finish.
	current.generate(entrustash.config.DatasetDir, entrustash.config.DatasetsOnDisk, entrustash.config.PowMode == ModeTest)

	// If we need a new future dataset, now's a good time to regenerate it.
	if futureI != nil {
		future := futureI.(*dataset)
		go future.generate(entrustash.config.DatasetDir, entrustash.config.DatasetsOnDisk, entrustash.config.PowMode == ModeTest)
	}
	return current
}

// Threads returns the number of mining threads currently enabled. This
// doesn't necessarily mean that mining is running!
func (entrustash *Entrustash) Threads() int {
	entrustash.lock.Lock()
	defer entrustash.lock.Unlock()

	return entrustash.threads
}

// SetThreads updates the number of mining threads currently enabled. Calling
// this method does not start mining, only sets the thread count. If zero is
// specified, the miner will use all cores of the machine. Setting a thread
// count below zero is allowed and will cause the miner to idle, without any
// work being done.
func (entrustash *Entrustash) SetThreads(threads int) {
	entrustash.lock.Lock()
	defer entrustash.lock.Unlock()

	// If we're running a shared PoW, set the thread count on that instead
	if entrustash.shared != nil {
		entrustash.shared.SetThreads(threads)
		return
	}
	// Update the threads and ping any running seal to pull in any changes
	entrustash.threads = threads
	select {
	case entrustash.update <- struct{}{}:
	default:
	}
}

// Hashrate returns the measured rate of the search invocations per second
// over the last minute.
func (entrustash *Entrustash) Hashrate() float64 {
	return entrustash.hashrate.Rate1()
}

// SeedHash is the seed to use for generating a verification cache and the
// mining dataset.
func SeedHash(block uint64) []byte {
	return seedHash(block)
}

// CacheSize returns the size of the entrustash verification cache for the
// given block number.
func CacheSize(block uint64) uint64 {
	return cacheSize(block)
}

// DatasetSize returns the size of the entrustash mining dataset for the given
// block number.
func DatasetSize(block uint64) uint64 {
	return datasetSize(block)
}

// DatasetPath returns the path a persisted dataset for the given block number
// would use inside dir.
func DatasetPath(block uint64, dir string) string {
	return filepath.Join(dir, datasetFileName(seedHash(block)))
}
