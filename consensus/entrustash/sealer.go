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
	"bytes"
	crand "crypto/rand"
	"errors"
	"math"
	"math/big"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// two256 is a big integer representing 2^256
	two256 = new(big.Int).Exp(big.NewInt(2), big.NewInt(256), big.NewInt(0))

	errInvalidDifficulty = errors.New("non-positive difficulty")
	errInvalidMixDigest  = errors.New("invalid mix digest")
	errInvalidPoW        = errors.New("invalid proof-of-work")
)

// VerifySeal checks whether the given nonce and mix digest satisfy the PoW
// difficulty requirements for the block with the given number and sealing
// hash.
func (entrustash *Entrustash) VerifySeal(number uint64, headerHash []byte, nonce uint64, mixDigest []byte, difficulty *big.Int) error {
	// If we're running a fake PoW, accept any seal as valid
	if entrustash.config.PowMode == ModeFake || entrustash.config.PowMode == ModeFullFake {
		time.Sleep(entrustash.fakeDelay)
		if entrustash.fakeFail == number {
			return errInvalidPoW
		}
		return nil
	}
	// If we're running a shared PoW, delegate verification to it
	if entrustash.shared != nil {
		return entrustash.shared.VerifySeal(number, headerHash, nonce, mixDigest, difficulty)
	}
	// Ensure that we have a valid difficulty for the block
	if difficulty.Sign() <= 0 {
		return errInvalidDifficulty
	}
	// Recompute the digest and PoW value and verify against the header
	cache := entrustash.cache(number)

	size := datasetSize(number)
	if entrustash.config.PowMode == ModeTest {
		size = 32 * 1024
	}
	digest, result := hashimotoLight(size, cache.cache, headerHash, nonce)

	// Caches are unmapped in a finalizer. Ensure that the cache stays live
	// until after the call to hashimotoLight so it's not unmapped while being
	// used.
	runtime.KeepAlive(cache)

	if !bytes.Equal(mixDigest, digest) {
		return errInvalidMixDigest
	}
	target := new(big.Int).Div(two256, difficulty)
	if new(big.Int).SetBytes(result).Cmp(target) > 0 {
		return errInvalidPoW
	}
	return nil
}

// Seal searches for a nonce below the difficulty target for the given sealing
// hash, aborting early when the abort channel closes. It returns the winning
// nonce and mix digest.
func (entrustash *Entrustash) Seal(number uint64, headerHash []byte, difficulty *big.Int, abort <-chan struct{}) (uint64, []byte, error) {
	// If we're running a fake PoW, simply return a 0 nonce immediately
	if entrustash.config.PowMode == ModeFake || entrustash.config.PowMode == ModeFullFake {
		return 0, make([]byte, 32), nil
	}
	// If we're running a shared PoW, delegate sealing to it
	if entrustash.shared != nil {
		return entrustash.shared.Seal(number, headerHash, difficulty, abort)
	}
	// Create a runner and the multiple search threads it directs
	stop := make(chan struct{})
	type result struct {
		nonce  uint64
		digest []byte
	}
	found := make(chan result)

	entrustash.lock.Lock()
	threads := entrustash.threads
	if entrustash.rand == nil {
		seed, err := crand.Int(crand.Reader, big.NewInt(math.MaxInt64))
		if err != nil {
			entrustash.lock.Unlock()
			return 0, nil, err
		}
		entrustash.rand = rand.New(rand.NewSource(seed.Int64()))
	}
	entrustash.lock.Unlock()

	if threads == 0 {
		threads = runtime.NumCPU()
	}
	if threads < 0 {
		threads = 0 // Allows disabling local mining without extra logic around local/remote
	}
	var pend sync.WaitGroup
	for i := 0; i < threads; i++ {
		pend.Add(1)
		go func(id int, seed uint64) {
			defer pend.Done()
			if nonce, digest, ok := entrustash.mine(number, headerHash, difficulty, id, seed, stop); ok {
				select {
				case found <- result{nonce: nonce, digest: digest}:
				case <-stop:
				}
			}
		}(i, uint64(entrustash.rand.Int63()))
	}
	// Wait until sealing is terminated or a nonce is found
	var res result
	var err error
	select {
	case <-abort:
		err = errSealAborted
	case res = <-found:
	}
	close(stop)
	pend.Wait()
	return res.nonce, res.digest, err
}

var errSealAborted = errors.New("sealing aborted")

// mine is the actual proof-of-work miner that searches for a nonce starting
// from seed that results in correct final block difficulty.
func (entrustash *Entrustash) mine(number uint64, headerHash []byte, difficulty *big.Int, id int, seed uint64, abort <-chan struct{}) (uint64, []byte, bool) {
	// Extract some data from the header
	var (
		target  = new(big.Int).Div(two256, difficulty)
		dataset = entrustash.dataset(number)
	)
	// Start generating random nonces until we abort or find a good one
	var (
		attempts = int64(0)
		nonce    = seed
	)
	logger := logrus.WithField("miner", id)
	logger.WithField("seed", seed).Trace("Started entrustash search for new nonces")
	for {
		select {
		case <-abort:
			// Mining terminated, update stats and abort
			logger.Trace("Entrustash nonce search aborted")
			entrustash.hashrate.Mark(attempts)
			return 0, nil, false

		default:
			// We don't have to update hash rate on every nonce, so update after after 2^X nonces
			attempts++
			if (attempts % (1 << 15)) == 0 {
				entrustash.hashrate.Mark(attempts)
				attempts = 0
			}
			// Compute the PoW value of this nonce
			digest, result := hashimotoFull(dataset.dataset, headerHash, nonce)
			if new(big.Int).SetBytes(result).Cmp(target) <= 0 {
				logger.WithFields(logrus.Fields{"attempts": nonce - seed, "nonce": nonce}).
					Trace("Entrustash nonce found and reported")
				// Datasets are unmapped in a finalizer. Keep the dataset
				// alive past the last use to prevent that from happening
				// mid-search.
				runtime.KeepAlive(dataset)
				return nonce, digest, true
			}
			nonce++
		}
	}
}
