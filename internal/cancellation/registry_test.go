package cancellation

import (
	"context"
	"sync"
	"testing"

	"github.com/RezaEskandarii/gofire/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RequestCancellation(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	ctx, release := r.Add(context.Background(), Entry{ID: id, FunctionName: "send_sms", Type: types.TimeTickerType})
	defer release()
	require.Equal(t, 1, r.Len())

	assert.True(t, r.RequestCancellation(id))
	<-ctx.Done()

	assert.True(t, IsCancelled(ctx))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.RequestCancellation(id))
}

func TestRegistry_ReleaseAfterCancelIsNoop(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	_, release := r.Add(context.Background(), Entry{ID: id})
	r.RequestCancellation(id)

	assert.NotPanics(t, release)
	assert.NotPanics(t, release)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ReleaseIsNotCancellation(t *testing.T) {
	r := NewRegistry()
	ctx, release := r.Add(context.Background(), Entry{ID: uuid.New()})
	release()

	<-ctx.Done()
	assert.False(t, IsCancelled(ctx))
}

func TestRegistry_ParentIndex(t *testing.T) {
	r := NewRegistry()
	parent := uuid.New()
	a, b := uuid.New(), uuid.New()

	_, releaseA := r.Add(context.Background(), Entry{ID: a, ParentID: &parent})
	assert.False(t, r.IsParentRunningExcludingSelf(parent, a))

	_, releaseB := r.Add(context.Background(), Entry{ID: b, ParentID: &parent})
	assert.True(t, r.IsParentRunningExcludingSelf(parent, a))
	assert.True(t, r.IsParentRunningExcludingSelf(parent, b))

	releaseB()
	assert.False(t, r.IsParentRunningExcludingSelf(parent, a))

	releaseA()
	assert.Empty(t, r.children)
}

func TestRegistry_ConcurrentAddRelease(t *testing.T) {
	r := NewRegistry()
	parent := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uuid.New()
			_, release := r.Add(context.Background(), Entry{ID: id, ParentID: &parent})
			r.IsParentRunningExcludingSelf(parent, id)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Snapshot())
}
