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
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// testLight fabricates a light handle over a tiny cache so the full dataset
// derived from it stays test sized.
func testLight(t *testing.T) *Light {
	t.Helper()

	cache := make([]uint32, 1024/4)
	generateCache(cache, 0, seedHash(1))

	return &Light{
		block: 0,
		cache: cache,
		seed:  seedHash(1),
		dsize: 32 * 1024,
	}
}

// Tests that a full handle materialized from a light one computes the same
// digests and results as on the fly regeneration.
func TestLightFullEquivalence(t *testing.T) {
	light := testLight(t)

	full, err := NewFull(light, "", nil)
	require.NoError(t, err)
	defer full.Close()

	hash := keccak256([]byte("equivalence test header"))
	for _, nonce := range []uint64{0, 1, 42, 0x495732e0ed7a801c} {
		lightDigest, lightResult := light.Compute(hash, nonce)
		fullDigest, fullResult := full.Compute(hash, nonce)

		if !bytes.Equal(lightDigest, fullDigest) {
			t.Errorf("nonce %d: digest mismatch: light %x, full %x", nonce, lightDigest, fullDigest)
		}
		if !bytes.Equal(lightResult, fullResult) {
			t.Errorf("nonce %d: result mismatch: light %x, full %x", nonce, lightResult, fullResult)
		}
	}
}

// Tests that the progress callback sees monotonically increasing percentages
// ending at exactly 100.
func TestFullProgress(t *testing.T) {
	light := testLight(t)

	var percents []int
	full, err := NewFull(light, "", func(percent int) bool {
		percents = append(percents, percent)
		return true
	})
	require.NoError(t, err)
	defer full.Close()

	require.NotEmpty(t, percents)
	require.Equal(t, 100, percents[len(percents)-1])
	for i := 1; i < len(percents); i++ {
		if percents[i] <= percents[i-1] {
			t.Fatalf("progress not strictly increasing: %d after %d", percents[i], percents[i-1])
		}
	}
}

// Tests that aborting a generation returns ErrAborted without a handle, and
// leaves no dataset file behind when targeting disk.
func TestFullAbort(t *testing.T) {
	light := testLight(t)

	calls := 0
	full, err := NewFull(light, "", func(percent int) bool {
		calls++
		return calls < 2
	})
	require.True(t, errors.Is(err, ErrAborted), "want ErrAborted, got %v", err)
	require.Nil(t, full)
	require.Equal(t, 2, calls)

	dir := t.TempDir()
	_, err = NewFull(light, dir, func(percent int) bool { return false })
	require.True(t, errors.Is(err, ErrAborted), "want ErrAborted, got %v", err)

	_, err = os.Stat(DatasetPath(light.block, dir))
	require.True(t, os.IsNotExist(err), "aborted generation left a dataset file")
}

// Tests that a dataset persisted to disk is picked up by a later handle
// instead of being regenerated.
func TestFullPersistence(t *testing.T) {
	light := testLight(t)
	dir := t.TempDir()

	full, err := NewFull(light, dir, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(32*1024), full.DagSize())
	require.Len(t, full.Dag(), 32*1024)

	hash := keccak256([]byte("persistence test header"))
	digest, result := full.Compute(hash, 7)
	full.Close()

	// The dump must exist on disk now and reload bit for bit.
	_, err = os.Stat(DatasetPath(light.block, dir))
	require.NoError(t, err)

	reloaded, err := NewFull(light, dir, func(percent int) bool {
		t.Fatal("persisted dataset was regenerated")
		return false
	})
	require.NoError(t, err)
	defer reloaded.Close()

	rdigest, rresult := reloaded.Compute(hash, 7)
	require.Equal(t, digest, rdigest)
	require.Equal(t, result, rresult)
}
