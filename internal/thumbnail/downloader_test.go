package thumbnail

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thirdcoast.systems/clipscan/internal/failure"
)

func newTestDownloader(t *testing.T, cfg DownloaderConfig) (*Downloader, string) {
	t.Helper()
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = time.Second
	}
	return NewDownloader(cfg), cfg.WorkDir
}

func assertNoWorkFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial downloads must be removed")
}

func TestDownloader_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	d, dir := newTestDownloader(t, DownloaderConfig{MaxBytes: 10, TotalTimeout: 5 * time.Second})
	dl, err := d.Download(context.Background(), srv.URL+"/a.mp4", "my clip/../a.mp4")
	require.NoError(t, err)
	defer os.Remove(dl.Path)

	assert.Equal(t, int64(10), dl.Size)
	assert.Equal(t, "video/mp4", dl.ContentType)
	assert.True(t, strings.HasPrefix(dl.Path, dir))
	data, err := os.ReadFile(dl.Path)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}

func TestDownloader_StatusClassification(t *testing.T) {
	tests := []struct {
		status     int
		retryAfter string
		kind       failure.Kind
		wantAfter  time.Duration
	}{
		{http.StatusNotFound, "", failure.PermanentData, 0},
		{http.StatusForbidden, "", failure.PermanentData, 0},
		{http.StatusTooManyRequests, "7", failure.TransientInfra, 7 * time.Second},
		{http.StatusTooManyRequests, "", failure.TransientInfra, 0},
		{http.StatusBadGateway, "", failure.TransientInfra, 0},
		{http.StatusServiceUnavailable, "", failure.TransientInfra, 0},
		{http.StatusRequestTimeout, "", failure.TransientInfra, 0},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			d, dir := newTestDownloader(t, DownloaderConfig{TotalTimeout: 5 * time.Second})
			_, err := d.Download(context.Background(), srv.URL, "x")
			require.Error(t, err)
			assert.Equal(t, tt.kind, failure.Classify(err))
			assert.Equal(t, tt.wantAfter, failure.RetryAfter(err))
			assertNoWorkFiles(t, dir)
		})
	}
}

func TestDownloader_RejectsOversize(t *testing.T) {
	t.Run("declared length", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(strings.Repeat("x", 1500)))
		}))
		defer srv.Close()

		d, dir := newTestDownloader(t, DownloaderConfig{MaxBytes: 1024})
		_, err := d.Download(context.Background(), srv.URL, "big")
		require.ErrorIs(t, err, ErrTooLarge)
		assert.Equal(t, failure.PermanentData, failure.Classify(err))
		assertNoWorkFiles(t, dir)
	})

	t.Run("streamed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for range 4 {
				w.Write([]byte(strings.Repeat("x", 512)))
				w.(http.Flusher).Flush()
			}
		}))
		defer srv.Close()

		d, dir := newTestDownloader(t, DownloaderConfig{MaxBytes: 1024})
		_, err := d.Download(context.Background(), srv.URL, "big")
		require.ErrorIs(t, err, ErrTooLarge)
		assert.Equal(t, failure.PermanentData, failure.Classify(err))
		assertNoWorkFiles(t, dir)
	})
}

func TestDownloader_TotalTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	d, dir := newTestDownloader(t, DownloaderConfig{TotalTimeout: 50 * time.Millisecond})
	_, err := d.Download(context.Background(), srv.URL, "slow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.True(t, failure.IsTransient(err))
	assertNoWorkFiles(t, dir)
}

func TestDownloader_ShutdownIsNotTransient(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	d, dir := newTestDownloader(t, DownloaderConfig{TotalTimeout: 5 * time.Second})
	_, err := d.Download(ctx, srv.URL, "x")
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, failure.IsTransient(err))
	assertNoWorkFiles(t, dir)
}

func TestDownloader_ConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d, _ := newTestDownloader(t, DownloaderConfig{TotalTimeout: 5 * time.Second})
	_, err := d.Download(context.Background(), url, "x")
	require.Error(t, err)
	assert.True(t, failure.IsTransient(err))
}

func TestRetryAfterHeader(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryAfter(""))
	assert.Equal(t, time.Duration(0), retryAfter("soon"))
	assert.Equal(t, 3*time.Second, retryAfter("3"))
	d := retryAfter(time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	assert.Greater(t, d, 59*time.Minute)
}
