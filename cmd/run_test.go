package cmd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockCloser is a mock implementation of io.Closer
type MockCloser struct {
	mock.Mock
}

func (m *MockCloser) Close() error {
	return m.Called().Error(0)
}

func TestWaitPipeline_Returns(t *testing.T) {
	want := errors.New("boom")
	err := waitPipeline(context.Background(), time.Second, func(context.Context) error {
		return want
	})
	assert.ErrorIs(t, err, want)
}

func TestWaitPipeline_DrainsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := waitPipeline(ctx, time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	assert.NoError(t, err)
}

func TestWaitPipeline_Timeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	release := make(chan struct{})
	defer close(release)

	err := waitPipeline(ctx, 20*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, errDrainTimeout)
}

func TestCloseSink(t *testing.T) {
	t.Run("closed after run", func(t *testing.T) {
		sink := new(MockCloser)
		sink.On("Close").Return(nil).Once()

		assert.NoError(t, closeSink(sink, nil))
		sink.AssertExpectations(t)
	})

	t.Run("close error reported", func(t *testing.T) {
		sink := new(MockCloser)
		sink.On("Close").Return(errors.New("disk full")).Once()

		assert.EqualError(t, closeSink(sink, nil), "disk full")
		sink.AssertExpectations(t)
	})

	t.Run("run error wins", func(t *testing.T) {
		runErr := errors.New("read failed")
		sink := new(MockCloser)
		sink.On("Close").Return(errors.New("disk full")).Once()

		assert.ErrorIs(t, closeSink(sink, runErr), runErr)
		sink.AssertExpectations(t)
	})

	t.Run("left open on drain timeout", func(t *testing.T) {
		sink := new(MockCloser)
		runErr := errors.Join(errDrainTimeout)

		assert.ErrorIs(t, closeSink(sink, runErr), errDrainTimeout)
		sink.AssertNotCalled(t, "Close")
	})
}
