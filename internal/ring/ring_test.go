package ring

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-virtblk/internal/blkio"
)

func newTestRing(t *testing.T, slots int) (*Ring, []byte) {
	t.Helper()
	mem := make([]byte, Size(slots))
	r, err := New("test", mem, slots)
	require.NoError(t, err)
	return r, mem
}

func TestNewValidation(t *testing.T) {
	_, err := New("odd", make([]byte, Size(3)), 3)
	assert.Error(t, err)

	_, err = New("short", make([]byte, Size(4)-1), 4)
	assert.Error(t, err)

	_, err = New("zero", make([]byte, 64), 0)
	assert.Error(t, err)
}

func TestEnqueueDequeueOrder(t *testing.T) {
	r, _ := newTestRing(t, 4)
	assert.True(t, r.IsEmpty())

	for i := uint64(0); i < 4; i++ {
		req := blkio.NewRead(i, 0x1000+i*512, 512, i)
		require.NoError(t, r.Enqueue(&req))
	}
	assert.True(t, r.IsFull())

	extra := blkio.NewRead(99, 0, 512, 0)
	assert.ErrorIs(t, r.Enqueue(&extra), ErrFull)

	n, err := r.Len()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	for i := uint64(0); i < 4; i++ {
		req, ok, err := r.Dequeue()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, req.BlockID)
		assert.Equal(t, i, req.Buf.Cookie)
	}

	_, ok, err := r.Dequeue()
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, r.IsEmpty())
}

func TestIndicesWrap(t *testing.T) {
	r, mem := newTestRing(t, 2)

	// Start near the uint32 wrap point
	binary.LittleEndian.PutUint32(mem[0:4], ^uint32(0)-1)
	binary.LittleEndian.PutUint32(mem[4:8], ^uint32(0)-1)

	for i := uint64(0); i < 10; i++ {
		req := blkio.NewRead(i, 0, 512, 0)
		require.NoError(t, r.Enqueue(&req))
		got, ok, err := r.Dequeue()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, got.BlockID)
	}
}

func TestCorruptIndices(t *testing.T) {
	r, mem := newTestRing(t, 4)

	binary.LittleEndian.PutUint32(mem[0:4], 10)
	binary.LittleEndian.PutUint32(mem[4:8], 0)

	_, _, err := r.Dequeue()
	assert.True(t, errors.Is(err, ErrCorrupt))

	req := blkio.NewRead(0, 0, 512, 0)
	assert.True(t, errors.Is(r.Enqueue(&req), ErrCorrupt))

	_, err = r.Len()
	assert.True(t, errors.Is(err, ErrCorrupt))
	assert.False(t, r.IsEmpty())
}

func TestSharedMemoryViews(t *testing.T) {
	mem := make([]byte, Size(8))
	producer, err := New("p", mem, 8)
	require.NoError(t, err)
	consumer, err := New("c", mem, 8)
	require.NoError(t, err)
	producer.Reset()

	req := blkio.NewRead(7, 0x2000, 1024, 3)
	require.NoError(t, producer.Enqueue(&req))

	got, ok, err := consumer.Dequeue()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, req, got)
}

func TestConcurrentProducerConsumer(t *testing.T) {
	r, _ := newTestRing(t, 16)
	const total = 10000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(0); i < total; {
			req := blkio.NewRead(i, 0, 512, 0)
			if err := r.Enqueue(&req); err == nil {
				i++
			}
		}
	}()

	for want := uint64(0); want < total; {
		got, ok, err := r.Dequeue()
		require.NoError(t, err)
		if !ok {
			continue
		}
		require.Equal(t, want, got.BlockID)
		want++
	}
	wg.Wait()
}

func TestBuffers(t *testing.T) {
	reqs, _ := newTestRing(t, 4)
	comps, _ := newTestRing(t, 2)

	notified := 0
	b := NewBuffers(reqs, comps, func() error { notified++; return nil })

	assert.True(t, b.RequestQueueEmpty())
	req := blkio.NewRead(1, 0, 512, 0)
	require.NoError(t, reqs.Enqueue(&req))
	assert.False(t, b.RequestQueueEmpty())

	got, ok, err := b.DequeueRequest()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.EnqueueCompletion(got.Complete(blkio.StatusOk)))
	require.NoError(t, b.EnqueueCompletion(got.Complete(blkio.StatusOk)))
	assert.True(t, b.CompletionQueueFull())
	assert.ErrorIs(t, b.EnqueueCompletion(got), ErrFull)

	require.NoError(t, b.NotifyPeer())
	assert.Equal(t, 1, notified)

	assert.NoError(t, NewBuffers(reqs, comps, nil).NotifyPeer())
}
