package downloader

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/twicmerge/internal/issue"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// endpoint is a test server that counts hits and answers with a fixed handler.
type endpoint struct {
	*httptest.Server
	hits atomic.Int32
}

func newEndpoint(t *testing.T, h http.HandlerFunc) *endpoint {
	t.Helper()
	e := &endpoint{}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(e.Close)
	return e
}

func serveBody(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	}
}

func serveStatus(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}
}

func newFetcher(primary, alternate string, timeout time.Duration) *Fetcher {
	return New(nil, Options{PrimaryURL: primary, AlternateURL: alternate, Timeout: timeout}, issue.DefaultScheme(), discard())
}

func TestFetch_PrimarySuccess(t *testing.T) {
	var path string
	primary := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = io.WriteString(w, "archive-920")
	})
	alternate := newEndpoint(t, serveBody("wrong"))
	dest := filepath.Join(t.TempDir(), "twic920g.zip")

	err := newFetcher(primary.URL+"/zips/", alternate.URL, time.Second).Fetch(context.Background(), issue.DefaultScheme().Issue(920), dest)
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "archive-920", string(data))
	assert.Equal(t, "/zips/twic920g.zip", path)
	assert.Zero(t, alternate.hits.Load())
}

func TestFetch_FallsBackOnErrorStatus(t *testing.T) {
	primary := newEndpoint(t, serveStatus(http.StatusInternalServerError))
	alternate := newEndpoint(t, serveBody("from-alternate"))
	dest := filepath.Join(t.TempDir(), "a.zip")

	err := newFetcher(primary.URL, alternate.URL, time.Second).Fetch(context.Background(), issue.DefaultScheme().Issue(921), dest)
	require.NoError(t, err)
	data, _ := os.ReadFile(dest)
	assert.Equal(t, "from-alternate", string(data))
	assert.EqualValues(t, 1, primary.hits.Load(), "no retry against the same endpoint")
}

func TestFetch_RedirectIsNotFollowed(t *testing.T) {
	primary := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	})
	alternate := newEndpoint(t, serveBody("ok"))
	dest := filepath.Join(t.TempDir(), "a.zip")

	err := newFetcher(primary.URL, alternate.URL, time.Second).Fetch(context.Background(), issue.DefaultScheme().Issue(921), dest)
	require.NoError(t, err)
	assert.EqualValues(t, 1, primary.hits.Load())
	assert.EqualValues(t, 1, alternate.hits.Load())
}

func TestFetch_RedirectWithoutAlternateFails(t *testing.T) {
	primary := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusMovedPermanently)
	})
	dest := filepath.Join(t.TempDir(), "a.zip")

	err := newFetcher(primary.URL, primary.URL+"/", time.Second).Fetch(context.Background(), issue.DefaultScheme().Issue(921), dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRedirect)
	assert.EqualValues(t, 1, primary.hits.Load())
}

func TestFetch_BothEndpointsFail(t *testing.T) {
	primary := newEndpoint(t, serveStatus(http.StatusNotFound))
	alternate := newEndpoint(t, serveStatus(http.StatusBadGateway))
	dest := filepath.Join(t.TempDir(), "a.zip")

	err := newFetcher(primary.URL, alternate.URL, time.Second).Fetch(context.Background(), issue.DefaultScheme().Issue(921), dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadStatus)
	assert.NoFileExists(t, dest)
}

func TestFetch_TimeoutIsAFailureNotACancellation(t *testing.T) {
	primary := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	})
	alternate := newEndpoint(t, serveBody("late but fine"))
	dest := filepath.Join(t.TempDir(), "a.zip")

	err := newFetcher(primary.URL, alternate.URL, 100*time.Millisecond).Fetch(context.Background(), issue.DefaultScheme().Issue(922), dest)
	require.NoError(t, err)
	assert.EqualValues(t, 1, alternate.hits.Load())
}

func TestFetch_StalledBodyFallsBackWithoutPartialFile(t *testing.T) {
	primary := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "partial archive bytes")
		w.(http.Flusher).Flush()
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	})
	dest := filepath.Join(t.TempDir(), "twic922g.zip")
	var leftover bool
	alternate := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		_, err := os.Stat(dest)
		leftover = err == nil
		_, _ = io.WriteString(w, "complete archive")
	})

	err := newFetcher(primary.URL, alternate.URL, 200*time.Millisecond).Fetch(context.Background(), issue.DefaultScheme().Issue(922), dest)
	require.NoError(t, err)

	assert.False(t, leftover, "partial download removed before the alternate is tried")
	assert.EqualValues(t, 1, primary.hits.Load())
	assert.EqualValues(t, 1, alternate.hits.Load())
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "complete archive", string(data))
}

func TestFetch_TruncatedBodyWithoutAlternateFails(t *testing.T) {
	primary := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "short")
	})
	dest := filepath.Join(t.TempDir(), "twic922g.zip")

	err := newFetcher(primary.URL, "", time.Second).Fetch(context.Background(), issue.DefaultScheme().Issue(922), dest)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NoFileExists(t, dest)
}

func TestFetch_CallerCancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		cancel()
		<-r.Context().Done()
	})
	alternate := newEndpoint(t, serveBody("must not be used"))
	dest := filepath.Join(t.TempDir(), "a.zip")

	err := newFetcher(primary.URL, alternate.URL, 5*time.Second).Fetch(ctx, issue.DefaultScheme().Issue(922), dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, alternate.hits.Load())
	assert.NoFileExists(t, dest)
}

func TestExists(t *testing.T) {
	t.Run("head ok", func(t *testing.T) {
		primary := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodHead, r.Method)
		})
		found, err := newFetcher(primary.URL, "", time.Second).Exists(context.Background(), 930)
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("method not allowed escalates to GET", func(t *testing.T) {
		var methods []string
		primary := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
			methods = append(methods, r.Method)
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
			}
		})
		found, err := newFetcher(primary.URL, "", time.Second).Exists(context.Background(), 930)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []string{http.MethodHead, http.MethodGet}, methods)
	})

	t.Run("not found is absence", func(t *testing.T) {
		primary := newEndpoint(t, serveStatus(http.StatusNotFound))
		alternate := newEndpoint(t, serveStatus(http.StatusOK))
		found, err := newFetcher(primary.URL, alternate.URL, time.Second).Exists(context.Background(), 931)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Zero(t, alternate.hits.Load(), "a definite answer from primary is final")
	})

	t.Run("transport error falls back to alternate", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		deadURL := dead.URL
		dead.Close()
		alternate := newEndpoint(t, serveStatus(http.StatusOK))

		found, err := newFetcher(deadURL, alternate.URL, time.Second).Exists(context.Background(), 931)
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("cancellation is an error", func(t *testing.T) {
		primary := newEndpoint(t, serveStatus(http.StatusOK))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newFetcher(primary.URL, "", time.Second).Exists(ctx, 931)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLatestFromIndex(t *testing.T) {
	srv := newEndpoint(t, serveBody(`<html><body><ul>
		<li><a href="zips/twic1498g.zip">1498</a></li>
		<li><a href="zips/twic1500g.zip">1500</a></li>
		<li><a href="zips/twic1499g.zip">1499</a></li>
		<li><a href="/about">about</a></li>
	</ul></body></html>`))
	latest, err := newFetcher(srv.URL, "", time.Second).LatestFromIndex(context.Background(), srv.URL+"/index.html")
	require.NoError(t, err)
	assert.Equal(t, 1500, latest)

	empty := newEndpoint(t, serveBody(`<html></html>`))
	_, err = newFetcher(empty.URL, "", time.Second).LatestFromIndex(context.Background(), empty.URL)
	assert.ErrorIs(t, err, ErrNoIssuesListed)
}
