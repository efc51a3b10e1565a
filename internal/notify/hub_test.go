package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PreservesOrderPerSubscriber(t *testing.T) {
	h := NewHub[int](100)
	a := h.Subscribe("a")
	b := h.Subscribe("b")

	for i := 0; i < 50; i++ {
		h.Publish(i)
	}

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		v, ok := a.Next(ctx)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	got := b.Drain()
	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestHub_FullQueueDropsOldestWithoutBlocking(t *testing.T) {
	h := NewHub[int](3)
	var mu sync.Mutex
	drops := map[string]int{}
	h.OnDrop(func(sub string) {
		mu.Lock()
		drops[sub]++
		mu.Unlock()
	})
	slow := h.Subscribe("slow")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	assert.Equal(t, []int{7, 8, 9}, slow.Drain())
	assert.Equal(t, uint64(7), slow.Dropped())
	assert.Equal(t, 7, drops["slow"])
}

func TestQueue_NextUnblocksOnPublishAndClose(t *testing.T) {
	h := NewHub[string](0)
	q := h.Subscribe("waiter")

	got := make(chan string, 1)
	go func() {
		v, _ := q.Next(context.Background())
		got <- v
	}()
	time.Sleep(10 * time.Millisecond)
	h.Publish("hello")

	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}

	h.Close()
	_, ok := q.Next(context.Background())
	assert.False(t, ok)

	late := h.Subscribe("late")
	_, ok = late.Next(context.Background())
	assert.False(t, ok)
}

func TestQueue_NextHonoursContext(t *testing.T) {
	h := NewHub[int](1)
	q := h.Subscribe("ctx")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := q.Next(ctx)
	assert.False(t, ok)
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub[int](4)
	q := h.Subscribe("gone")
	require.Equal(t, 1, h.Subscribers())
	h.Unsubscribe(q)
	assert.Equal(t, 0, h.Subscribers())
	h.Publish(1)
	assert.Equal(t, 0, q.Len())
}
