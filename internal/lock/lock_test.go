package lock

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyed_SerializesSameKey(t *testing.T) {
	k := NewKeyed()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = k.With("s1", func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestKeyed_DifferentKeysDoNotBlock(t *testing.T) {
	k := NewKeyed()
	done := make(chan struct{})

	_ = k.With("a", func() error {
		go func() {
			_ = k.With("b", func() error { return nil })
			close(done)
		}()
		<-done
		return nil
	})
}

func TestKeyed_ReleasesIdleKeys(t *testing.T) {
	k := NewKeyed()
	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, k.With(id, func() error { return nil }))
	}
	assert.Equal(t, 0, k.size())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = k.With("shared", func() error { return nil })
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, k.size())
}

func TestKeyed_EntryKeptWhileHeld(t *testing.T) {
	k := NewKeyed()
	_ = k.With("s1", func() error {
		assert.Equal(t, 1, k.size())
		return nil
	})
	assert.Equal(t, 0, k.size())
}

func TestPIDFile_SecondLockRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "focus-sync.pid")

	first := NewPIDFile(path)
	require.NoError(t, first.TryLock())

	second := NewPIDFile(path)
	assert.Error(t, second.TryLock())

	require.NoError(t, first.Unlock())
	require.NoError(t, first.Unlock())

	require.NoError(t, second.TryLock())
	require.NoError(t, second.Unlock())
}
