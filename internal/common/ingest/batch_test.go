package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDrain_TakesEverythingBuffered(t *testing.T) {
	input := make(chan int, 10)
	for i := 1; i <= 5; i++ {
		input <- i
	}

	batch, ok := Drain(input, 0)
	assert.True(t, ok)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, batch)
}

func TestDrain_MaxItems(t *testing.T) {
	input := make(chan int, 10)
	for i := 1; i <= 5; i++ {
		input <- i
	}

	batch, ok := Drain(input, 3)
	assert.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, batch)

	batch, ok = Drain(input, 3)
	assert.True(t, ok)
	assert.Equal(t, []int{4, 5}, batch)
}

func TestDrain_BlocksForFirstValue(t *testing.T) {
	input := make(chan int)
	result := make(chan []int, 1)
	go func() {
		batch, _ := Drain(input, 0)
		result <- batch
	}()

	select {
	case <-result:
		t.Fatal("Drain returned before any value was sent")
	case <-time.After(100 * time.Millisecond):
	}

	input <- 7
	select {
	case batch := <-result:
		assert.Equal(t, []int{7}, batch)
	case <-time.After(5 * time.Second):
		t.Fatal("Drain did not return after a value was sent")
	}
}

func TestDrain_ClosedChannel(t *testing.T) {
	input := make(chan int, 10)
	input <- 1
	input <- 2
	close(input)

	batch, ok := Drain(input, 0)
	assert.True(t, ok)
	assert.Equal(t, []int{1, 2}, batch)

	batch, ok = Drain(input, 0)
	assert.False(t, ok)
	assert.Nil(t, batch)
}
