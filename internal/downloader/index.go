package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"golang.org/x/net/html"

	"github.com/brensch/twicmerge/internal/util"
)

// ErrNoIssuesListed is returned when an index page links to no archive of the series.
var ErrNoIssuesListed = errors.New("index lists no issue archives")

// LatestFromIndex reads an HTML index page and returns the highest issue number among
// the archive links it contains.
func (f *Fetcher) LatestFromIndex(ctx context.Context, indexURL string) (int, error) {
	l := f.logger.With(slog.String("index_url", indexURL))
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	attemptCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := util.NewRequest(attemptCtx, http.MethodGet, indexURL, f.opts.UserAgent)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "text/html,*/*")
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("index GET %s: %w", indexURL, err)
	}
	bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("index status %s: %s", resp.Status, indexURL)
	}
	if readErr != nil {
		return 0, fmt.Errorf("index read %s: %w", indexURL, readErr)
	}

	root, err := html.Parse(bytes.NewReader(bodyBytes))
	if err != nil {
		return 0, fmt.Errorf("index parse HTML %s: %w", indexURL, err)
	}
	links := util.ParseLinks(root, f.scheme.ArchiveSuffix)
	numbers := util.IssueNumbersFromLinks(links, f.scheme.Prefix, f.scheme.ArchiveSuffix)
	if len(numbers) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoIssuesListed, indexURL)
	}
	latest := slices.Max(numbers)
	l.Info("Index page scanned.", slog.Int("archive_links", len(numbers)), slog.Int("latest", latest))
	return latest, nil
}
