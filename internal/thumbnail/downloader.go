package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"thirdcoast.systems/clipscan/internal/failure"
	"thirdcoast.systems/clipscan/pkg/utils/filename"
)

// ErrTooLarge is returned when a download exceeds the configured byte cap.
var ErrTooLarge = errors.New("attachment exceeds size limit")

type DownloaderConfig struct {
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
	MaxBytes       int64
	// WorkDir receives partial downloads. Defaults to os.TempDir.
	WorkDir string
}

// Download is a fully written attachment on local disk. The caller owns Path.
type Download struct {
	Path        string
	Size        int64
	ContentType string
}

// Downloader fetches attachments over one shared keep-alive client.
type Downloader struct {
	client *http.Client
	cfg    DownloaderConfig
}

func NewDownloader(cfg DownloaderConfig) *Downloader {
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
	}
	// The total timeout is applied per request through the context so that
	// shutdown and timeouts stay distinguishable.
	return &Downloader{client: &http.Client{Transport: transport}, cfg: cfg}
}

// Download streams url into a temp file under the work dir. On any error the
// partial file is removed.
func (d *Downloader) Download(ctx context.Context, url, name string) (*Download, error) {
	dctx := ctx
	if d.cfg.TotalTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, d.cfg.TotalTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(dctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, failure.Permanent(fmt.Errorf("build request: %w", err))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, d.transportErr(ctx, dctx, err)
	}
	defer resp.Body.Close()

	if err := statusErr(resp); err != nil {
		return nil, err
	}
	if d.cfg.MaxBytes > 0 && resp.ContentLength > d.cfg.MaxBytes {
		return nil, failure.Permanent(fmt.Errorf("%w: %s > %s", ErrTooLarge,
			humanize.Bytes(uint64(resp.ContentLength)), humanize.Bytes(uint64(d.cfg.MaxBytes))))
	}

	f, err := os.CreateTemp(d.cfg.WorkDir, "dl-"+filename.Sanitize(name, 60)+"-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	keep := false
	defer func() {
		if !keep {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	body := io.Reader(resp.Body)
	if d.cfg.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, d.cfg.MaxBytes+1)
	}
	n, err := io.Copy(f, body)
	if err != nil {
		return nil, d.transportErr(ctx, dctx, err)
	}
	if d.cfg.MaxBytes > 0 && n > d.cfg.MaxBytes {
		return nil, failure.Permanent(fmt.Errorf("%w: more than %s", ErrTooLarge, humanize.Bytes(uint64(d.cfg.MaxBytes))))
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	keep = true

	slog.Debug("downloaded attachment",
		"name", name,
		"size", humanize.Bytes(uint64(n)),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return &Download{Path: f.Name(), Size: n, ContentType: resp.Header.Get("Content-Type")}, nil
}

// transportErr separates shutdown (returned as is) from download timeouts and
// network failures, which are transient.
func (d *Downloader) transportErr(parent, dctx context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("download: %w", parent.Err())
	}
	if errors.Is(dctx.Err(), context.DeadlineExceeded) {
		return failure.Transient(fmt.Errorf("download timed out after %s: %w", d.cfg.TotalTimeout, err), 0)
	}
	return failure.Transient(fmt.Errorf("download: %w", err), 0)
}

func statusErr(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return failure.Transient(fmt.Errorf("download: %s", resp.Status), retryAfter(resp.Header.Get("Retry-After")))
	case code == http.StatusRequestTimeout || code >= 500:
		return failure.Transient(fmt.Errorf("download: %s", resp.Status), 0)
	default:
		return failure.Permanent(fmt.Errorf("download: %s", resp.Status))
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
