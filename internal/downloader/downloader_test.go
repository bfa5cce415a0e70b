package downloader

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagecache/internal/cacheerr"
	"imagecache/internal/imagetest"
)

func TestFetchCoalescesConcurrentCallers(t *testing.T) {
	responder := &imagetest.StaticResponder{
		Body:  []byte("shared-bytes"),
		Delay: func() { time.Sleep(80 * time.Millisecond) },
	}
	d := New(Config{Executor: responder})

	const n = 5
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, _, err := d.Fetch(context.Background(), "http://example.test/img", FetchOptions{})
			results[i] = data
			errs[i] = err
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared-bytes", string(results[i]))
	}
	assert.EqualValues(t, 1, responder.Calls.Load(), "only one HTTP round trip should occur for N coalesced callers")
}

func TestFetchRejectsInvalidStatus(t *testing.T) {
	responder := &imagetest.StaticResponder{Status: 500, Body: []byte("err")}
	d := New(Config{Executor: responder})

	_, _, err := d.Fetch(context.Background(), "http://example.test/bad", FetchOptions{})
	require.Error(t, err)
	re, ok := cacheerr.IsResponseError(err)
	require.True(t, ok)
	assert.Equal(t, cacheerr.InvalidHTTPStatusCode, re.Kind)
}

func TestFetchEmptyURLFails(t *testing.T) {
	d := New(Config{Executor: &imagetest.StaticResponder{}})
	_, _, err := d.Fetch(context.Background(), "", FetchOptions{})
	require.Error(t, err)
}

func TestFetchModifierReturningNilFailsWithEmptyRequest(t *testing.T) {
	d := New(Config{Executor: &imagetest.StaticResponder{}})
	_, _, err := d.Fetch(context.Background(), "http://example.test/x", FetchOptions{
		Modifier: func(ctx context.Context, req *http.Request) (*http.Request, error) {
			return nil, nil
		},
	})
	require.Error(t, err)
	re, ok := cacheerr.IsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, cacheerr.EmptyRequest, re.Kind)
}

func TestSequentialFetchesAfterCompletionRunIndependently(t *testing.T) {
	responder := &imagetest.SequenceResponder{
		Responses: []imagetest.FakeResponse{
			{Status: 200, Body: []byte("first")},
			{Status: 200, Body: []byte("second")},
		},
	}
	d := New(Config{Executor: responder})

	data1, _, err := d.Fetch(context.Background(), "http://example.test/a", FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "first", string(data1))

	data2, _, err := d.Fetch(context.Background(), "http://example.test/a", FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "second", string(data2))

	assert.EqualValues(t, 2, responder.Calls.Load())
}

func TestCallerContextCancellationAbortsFetch(t *testing.T) {
	responder := &imagetest.StaticResponder{
		Body:  []byte("x"),
		Delay: func() { time.Sleep(200 * time.Millisecond) },
	}
	d := New(Config{Executor: responder})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := d.Fetch(ctx, "http://example.test/slow", FetchOptions{})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("fetch did not observe caller cancellation")
	}
}
