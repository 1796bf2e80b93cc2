// Package downloader retrieves issue archives over HTTP with endpoint fallback and answers
// whether an issue is published yet.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/brensch/twicmerge/internal/issue"
	"github.com/brensch/twicmerge/internal/util"
)

// Attempt failure classes.
var (
	ErrRedirect  = errors.New("endpoint redirected")
	ErrBadStatus = errors.New("unexpected status")
)

// Options configures a Fetcher.
type Options struct {
	PrimaryURL        string
	AlternateURL      string
	Timeout           time.Duration
	RequestsPerSecond float64
	UserAgent         string
}

// Fetcher downloads archives from a primary endpoint, falling back to an alternate one.
type Fetcher struct {
	client  *http.Client
	opts    Options
	scheme  issue.Scheme
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Fetcher. A nil client gets util.DefaultHTTPClient.
func New(client *http.Client, opts Options, scheme issue.Scheme, logger *slog.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if client == nil {
		client = util.DefaultHTTPClient(opts.Timeout)
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &Fetcher{
		client:  client,
		opts:    opts,
		scheme:  scheme,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// bases lists the endpoints in attempt order; the alternate only counts when it is set
// and differs from the primary.
func (f *Fetcher) bases() []string {
	primary := strings.TrimSpace(f.opts.PrimaryURL)
	alternate := strings.TrimSpace(f.opts.AlternateURL)
	if alternate == "" || strings.TrimRight(alternate, "/") == strings.TrimRight(primary, "/") {
		return []string{primary}
	}
	return []string{primary, alternate}
}

// Fetch writes issue's archive to dest. Each endpoint is tried once. Caller cancellation
// is returned as soon as it is observed; every other failure moves on to the next endpoint.
// On failure dest does not exist.
func (f *Fetcher) Fetch(ctx context.Context, is issue.Issue, dest string) error {
	var attemptErrs []error
	for i, base := range f.bases() {
		l := f.logger.With(slog.Int("issue", is.Number), slog.String("endpoint", base))
		if i > 0 {
			l.Info("Trying alternate endpoint.")
		}

		err := f.fetchOnce(ctx, l, base, is.ArchiveFileName, dest)
		if err == nil {
			return nil
		}
		// Only the caller's own context decides whether this was a cancellation; a
		// per-attempt deadline is an ordinary failure.
		if ctx.Err() != nil {
			util.RemoveQuietly(l, dest)
			return fmt.Errorf("fetch %s: %w", is.ArchiveFileName, ctx.Err())
		}
		if errors.Is(err, ErrRedirect) {
			l.Warn("Endpoint answered with a redirect.", "error", err)
		} else {
			l.Warn("Download attempt failed.", "error", err)
		}
		attemptErrs = append(attemptErrs, fmt.Errorf("%s: %w", base, err))
	}
	return fmt.Errorf("fetch %s: %w", is.ArchiveFileName, errors.Join(attemptErrs...))
}

func (f *Fetcher) fetchOnce(ctx context.Context, l *slog.Logger, base, name, dest string) error {
	target, err := url.JoinPath(base, name)
	if err != nil {
		return fmt.Errorf("build url from %s: %w", base, err)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := util.NewRequest(attemptCtx, http.MethodGet, target, f.opts.UserAgent)
	if err != nil {
		return err
	}
	start := time.Now()
	l.Debug("Starting download.", slog.String("url", target))
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", target, err)
	}
	defer util.DrainAndClose(resp)

	if err := classifyStatus(resp); err != nil {
		return fmt.Errorf("GET %s: %w", target, err)
	}

	written, err := writeBody(resp.Body, dest)
	if err != nil {
		util.RemoveQuietly(l, dest)
		return fmt.Errorf("save %s: %w", target, err)
	}
	l.Info("Archive downloaded.",
		slog.String("size", humanize.Bytes(uint64(written))),
		slog.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return nil
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return fmt.Errorf("%w: %s (location %q)", ErrRedirect, resp.Status, resp.Header.Get("Location"))
	default:
		return fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}
}

// writeBody streams body into a new file at dest and syncs it before returning.
func writeBody(body io.Reader, dest string) (int64, error) {
	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	written, copyErr := io.Copy(out, body)
	var syncErr error
	if copyErr == nil {
		syncErr = out.Sync()
	}
	closeErr := out.Close()
	if err := errors.Join(copyErr, syncErr, closeErr); err != nil {
		return written, err
	}
	return written, nil
}

// Exists reports whether issue number is published. A HEAD request against the primary
// endpoint decides it; 405 Method Not Allowed escalates to a GET. A transport error repeats
// the check against the alternate endpoint. Only caller cancellation is returned as an error.
func (f *Fetcher) Exists(ctx context.Context, number int) (bool, error) {
	name := f.scheme.Issue(number).ArchiveFileName
	for _, base := range f.bases() {
		l := f.logger.With(slog.Int("issue", number), slog.String("endpoint", base))
		found, err := f.existsAt(ctx, base, name)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err == nil {
			return found, nil
		}
		l.Debug("Existence check failed, trying next endpoint.", "error", err)
	}
	return false, nil
}

func (f *Fetcher) existsAt(ctx context.Context, base, name string) (bool, error) {
	target, err := url.JoinPath(base, name)
	if err != nil {
		return false, err
	}
	status, err := f.statusOf(ctx, http.MethodHead, target)
	if err != nil {
		return false, err
	}
	if status == http.StatusMethodNotAllowed {
		status, err = f.statusOf(ctx, http.MethodGet, target)
		if err != nil {
			return false, err
		}
	}
	return status >= 200 && status < 300, nil
}

func (f *Fetcher) statusOf(ctx context.Context, method, target string) (int, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	attemptCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := util.NewRequest(attemptCtx, method, target, f.opts.UserAgent)
	if err != nil {
		return 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, target, err)
	}
	util.DrainAndClose(resp)
	return resp.StatusCode, nil
}
