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
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Tests that entrustash works correctly in test mode.
func TestTestMode(t *testing.T) {
	engine := NewTester()
	engine.SetThreads(1)

	headerHash := keccak256([]byte("test mode header"))
	difficulty := big.NewInt(100)

	abort := make(chan struct{})
	nonce, digest, err := engine.Seal(42, headerHash, difficulty, abort)
	if err != nil {
		t.Fatalf("failed to seal block: %v", err)
	}
	if err := engine.VerifySeal(42, headerHash, nonce, digest, difficulty); err != nil {
		t.Fatalf("unexpected verification error: %v", err)
	}
	// A tampered mix digest must be rejected.
	bad := append([]byte(nil), digest...)
	bad[0] ^= 0xff
	if err := engine.VerifySeal(42, headerHash, nonce, bad, difficulty); err != errInvalidMixDigest {
		t.Fatalf("mix digest error mismatch: have %v, want %v", err, errInvalidMixDigest)
	}
	// Non-positive difficulties are invalid regardless of the seal.
	if err := engine.VerifySeal(42, headerHash, nonce, digest, new(big.Int)); err != errInvalidDifficulty {
		t.Fatalf("difficulty error mismatch: have %v, want %v", err, errInvalidDifficulty)
	}
}

// Tests that sealing stops when the abort channel closes.
func TestSealAbort(t *testing.T) {
	engine := NewTester()
	engine.SetThreads(1)

	headerHash := keccak256([]byte("abort header"))

	// An absurd difficulty keeps the search from ever finding a nonce.
	difficulty := new(big.Int).Lsh(big.NewInt(1), 250)

	abort := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(abort)
	}()
	if _, _, err := engine.Seal(1, headerHash, difficulty, abort); err != errSealAborted {
		t.Fatalf("abort error mismatch: have %v, want %v", err, errSealAborted)
	}
}

// Tests the fake engines: blanket acceptance, targeted failure and delayed
// verification.
func TestFakeModes(t *testing.T) {
	headerHash := keccak256([]byte("fake header"))
	difficulty := big.NewInt(1)

	if err := NewFaker().VerifySeal(1, headerHash, 0, nil, difficulty); err != nil {
		t.Errorf("faker rejected seal: %v", err)
	}
	failer := NewFakeFailer(5)
	if err := failer.VerifySeal(4, headerHash, 0, nil, difficulty); err != nil {
		t.Errorf("fake failer rejected block 4: %v", err)
	}
	if err := failer.VerifySeal(5, headerHash, 0, nil, difficulty); err != errInvalidPoW {
		t.Errorf("fake failer error mismatch: have %v, want %v", err, errInvalidPoW)
	}
	start := time.Now()
	if err := NewFakeDelayer(50 * time.Millisecond).VerifySeal(1, headerHash, 0, nil, difficulty); err != nil {
		t.Errorf("fake delayer rejected seal: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("fake delayer returned too early: %v", elapsed)
	}
	nonce, digest, err := NewFullFaker().Seal(1, headerHash, difficulty, nil)
	if err != nil || nonce != 0 || len(digest) != 32 {
		t.Errorf("full faker seal mismatch: nonce %d, digest %x, err %v", nonce, digest, err)
	}
}

// Tests that shared engines delegate their thread accounting to the shared
// backend.
func TestSharedThreads(t *testing.T) {
	shared := NewShared()
	defer shared.SetThreads(0)

	shared.SetThreads(3)
	if threads := sharedEntrustash.Threads(); threads != 3 {
		t.Fatalf("shared thread count mismatch: have %d, want 3", threads)
	}
}

// Tests the epoch LRU, in particular the future item handed out alongside the
// current one.
func TestLRU(t *testing.T) {
	made := make(map[uint64]int)
	l := newlru("test", 2, func(epoch uint64) interface{} {
		made[epoch]++
		return epoch
	})
	item, future := l.get(0)
	if item.(uint64) != 0 || future.(uint64) != 1 {
		t.Fatalf("initial get mismatch: item %v, future %v", item, future)
	}
	// Asking for the pregenerated future epoch must reuse it, not rebuild.
	item, future = l.get(1)
	if item.(uint64) != 1 || future.(uint64) != 2 {
		t.Fatalf("future get mismatch: item %v, future %v", item, future)
	}
	if made[1] != 1 {
		t.Fatalf("future item rebuilt: made %d times", made[1])
	}
	// Going backwards must not disturb the future tracking.
	if item, future = l.get(0); future != nil {
		t.Fatalf("stale future item produced: %v", future)
	}
	if item.(uint64) != 0 {
		t.Fatalf("backward get mismatch: item %v", item)
	}
	// The future of the terminal epoch must never be requested.
	if _, future = l.get(maxEpoch - 1); future != nil {
		t.Fatalf("future item produced past the terminal epoch: %v", future)
	}
}

// Tests that test mode caches are persisted to disk, reused on a second
// generation and pruned once they fall outside the retention limit.
func TestCachePersistence(t *testing.T) {
	dir := t.TempDir()

	c := &cache{epoch: 2}
	c.generate(dir, 1, true)

	path := filepath.Join(dir, cacheFileName(seedHash(2*epochLength+1)))
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("cache dump missing: %v", err)
	}
	// A second instance for the same epoch must pick the dump up.
	reload := &cache{epoch: 2}
	reload.generate(dir, 1, true)
	if reload.dump == nil {
		t.Fatal("cache dump not memory mapped on reload")
	}
	for i, word := range reload.cache {
		if word != c.cache[i] {
			t.Fatalf("reloaded cache mismatch at word %d: have %#x, want %#x", i, word, c.cache[i])
		}
	}
	// Generating a later epoch with a retention of one must prune epoch 0.
	old := &cache{epoch: 0}
	old.generate(dir, 1, true)

	later := &cache{epoch: 3}
	later.generate(dir, 1, true)

	stale := filepath.Join(dir, cacheFileName(seedHash(1)))
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale cache dump not pruned: %v", err)
	}
}

// Tests that the managed engine serves caches out of its configured cache
// directory in test mode.
func TestEngineCaching(t *testing.T) {
	dir := t.TempDir()

	engine := New(Config{CachesInMem: 2, CachesOnDisk: 1, CacheDir: dir, PowMode: ModeTest})

	c := engine.cache(epochLength + 1)
	if c.epoch != 1 {
		t.Fatalf("cache epoch mismatch: have %d, want 1", c.epoch)
	}
	if len(c.cache) != 1024/4 {
		t.Fatalf("test cache size mismatch: have %d words, want %d", len(c.cache), 1024/4)
	}
	if _, err := os.Stat(filepath.Join(dir, cacheFileName(seedHash(epochLength+1)))); err != nil {
		t.Fatalf("engine cache dump missing: %v", err)
	}
	// Wait for the async future epoch generation so it cannot outlive the
	// temporary directory.
	futureI, _ := engine.caches.get(2)
	futureI.(*cache).generate(dir, 1, true)
}
