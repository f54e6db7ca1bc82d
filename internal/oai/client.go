package oai

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bibnet/marcsync/internal/resilience"
)

// ClientOptions configures the OAI-PMH client.
type ClientOptions struct {
	BaseURL        string
	MetadataPrefix string
	UserAgent      string
	Timeout        time.Duration
	// RequestsPerSecond throttles calls against the repository.
	RequestsPerSecond float64
	// MinFreeBytes aborts a harvest before it starts when the chunk
	// directory's filesystem has less free space than this.
	MinFreeBytes uint64
	Retry        resilience.RetryConfig
}

// Client fetches ListRecords pages from an OAI-PMH repository.
type Client struct {
	baseURL   string
	prefix    string
	userAgent string
	httpc     *http.Client
	limiter   *rate.Limiter
	minFree   uint64
	retry     resilience.RetryConfig
}

// NewClient creates an OAI-PMH client with rate limiting and bounded retry.
func NewClient(opts ClientOptions) *Client {
	if opts.MetadataPrefix == "" {
		opts.MetadataPrefix = "marc21"
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "marcsync/1.0"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if opts.MinFreeBytes == 0 {
		opts.MinFreeBytes = 512 << 20
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	return &Client{
		baseURL:   opts.BaseURL,
		prefix:    opts.MetadataPrefix,
		userAgent: opts.UserAgent,
		httpc: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		minFree: opts.MinFreeBytes,
		retry:   opts.Retry,
	}
}

// HarvestResult summarizes one completed harvest.
type HarvestResult struct {
	ChunkDirectory string
	NbChunks       int
	NbRecords      int
}

type page struct {
	index int
	body  []byte
}

// Harvest walks the full ListRecords result for a set, following resumption
// tokens, and writes every response verbatim to a numbered chunk file in dir.
// Pages are fetched sequentially (each token comes from the previous page)
// while files are written concurrently. A nil from harvests the whole set.
func (c *Client) Harvest(ctx context.Context, dir, set string, from, until *time.Time) (*HarvestResult, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "oai: create chunk directory %s", dir)
	}
	if err := checkFreeSpace(dir, c.minFree); err != nil {
		return nil, err
	}

	// A re-harvest into the same directory (e.g. two runs on one day)
	// continues the numbering so earlier chunks are never overwritten.
	existing, err := ListChunks(dir)
	if err != nil {
		return nil, err
	}
	offset := len(existing)

	res := &HarvestResult{ChunkDirectory: dir}
	pages := make(chan page, 2)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(pages)
		token := ""
		for index := offset + 1; ; index++ {
			body, err := c.fetchPage(gctx, set, from, until, token)
			if err != nil {
				return err
			}

			chunk, err := ParseResponse(bytes.NewReader(body))
			if err != nil {
				var pe *ProtocolError
				if errors.As(err, &pe) && pe.Code == NoRecordsMatch {
					zap.L().Info("no records match", zap.String("set", set))
					return nil
				}
				return err
			}

			res.NbRecords += len(chunk.Records)
			select {
			case pages <- page{index: index, body: body}:
			case <-gctx.Done():
				return gctx.Err()
			}

			if chunk.ResumptionToken == "" {
				return nil
			}
			token = chunk.ResumptionToken
		}
	})
	g.Go(func() error {
		for p := range pages {
			path := filepath.Join(dir, ChunkFileName(set, p.index))
			if err := os.WriteFile(path, p.body, 0o644); err != nil {
				return eris.Wrapf(err, "oai: write chunk %s", path)
			}
			res.NbChunks++
			zap.L().Debug("chunk written",
				zap.String("path", path),
				zap.Int("bytes", len(p.body)),
			)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	zap.L().Info("harvest complete",
		zap.String("set", set),
		zap.Int("chunks", res.NbChunks),
		zap.Int("records", res.NbRecords),
	)
	return res, nil
}

// fetchPage performs one ListRecords request, retrying transient failures.
func (c *Client) fetchPage(ctx context.Context, set string, from, until *time.Time, token string) ([]byte, error) {
	reqURL, err := c.pageURL(set, from, until, token)
	if err != nil {
		return nil, err
	}

	retry := c.retry
	retry.OnRetry = resilience.RetryLogger("oai list records", set)

	return resilience.DoVal(ctx, retry, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "oai: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "oai: create request")
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "oai: list records request"), 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("oai: unexpected status %d from %s", resp.StatusCode, reqURL)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(err, resp.StatusCode)
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "oai: read response body"), 0)
		}
		return body, nil
	})
}

// pageURL builds the ListRecords URL. Per the protocol, a resumption token
// is exclusive: when present, no other selective arguments are sent.
func (c *Client) pageURL(set string, from, until *time.Time, token string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", eris.Wrapf(err, "oai: parse base url %q", c.baseURL)
	}

	q := url.Values{}
	q.Set("verb", "ListRecords")
	if token != "" {
		q.Set("resumptionToken", token)
	} else {
		q.Set("metadataPrefix", c.prefix)
		if set != "" {
			q.Set("set", set)
		}
		if from != nil {
			q.Set("from", from.UTC().Format("2006-01-02T15:04:05Z"))
		}
		if until != nil {
			q.Set("until", until.UTC().Format("2006-01-02T15:04:05Z"))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
