package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/auth"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/bso"
)

// Options configure a load run.
type Options struct {
	// ServerURL is the base URL of the server under test.
	ServerURL string
	// Secret must match the server's AUTH_SECRET so minted tokens verify.
	Secret string
	// Users is the number of concurrent simulated users.
	Users int
	// Duration bounds the run; each user loops sync cycles until it elapses.
	Duration time.Duration
	// Collection is the collection name the simulated traffic uses.
	Collection string
	// ReportURL, when set, receives the run summary as a JSON POST.
	ReportURL string
	// BaseUserID offsets the simulated user ids so concurrent runs from
	// several machines do not collide on the same users.
	BaseUserID uint64

	Logger zerolog.Logger
}

// Runner executes a load run.
type Runner struct {
	opts   Options
	signer *auth.Signer
}

// NewRunner validates options and builds a Runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("loadgen: server url is required")
	}
	if opts.Secret == "" {
		return nil, fmt.Errorf("loadgen: secret is required")
	}
	if opts.Users <= 0 {
		return nil, fmt.Errorf("loadgen: users must be positive")
	}
	if opts.Duration <= 0 {
		return nil, fmt.Errorf("loadgen: duration must be positive")
	}
	if opts.Collection == "" {
		opts.Collection = "bookmarks"
	}
	if opts.BaseUserID == 0 {
		opts.BaseUserID = 1000000
	}
	return &Runner{opts: opts, signer: auth.NewSigner(opts.Secret)}, nil
}

// Run executes the load run and returns the aggregated summary. The context
// cancels the run early; stats gathered so far are still summarized.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.opts.Duration)
	defer cancel()

	stats := newCollector()
	startedAt := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < r.opts.Users; i++ {
		wg.Add(1)
		userID := r.opts.BaseUserID + uint64(i)
		go func() {
			defer wg.Done()
			r.simulateUser(runCtx, userID, stats)
		}()
	}
	wg.Wait()

	elapsed := time.Since(startedAt)
	summary := stats.summarize(r.opts.Users, elapsed, startedAt)
	r.opts.Logger.Info().
		Int64("requests", summary.TotalRequests).
		Int64("errors", summary.TotalErrors).
		Float64("rps", summary.RequestsPerSec).
		Msg("load run finished")

	if r.opts.ReportURL != "" {
		if err := r.report(ctx, summary); err != nil {
			r.opts.Logger.Warn().Err(err).Msg("report upload failed")
		}
	}
	return summary, nil
}

// simulateUser loops sync cycles until the run context expires. Token TTL
// covers the longest supported run with slack.
func (r *Runner) simulateUser(ctx context.Context, userID uint64, stats *collector) {
	client := NewClient(r.opts.ServerURL, userID, r.signer, r.opts.Duration+time.Hour)
	rng := rand.New(rand.NewSource(int64(userID)))

	cycles := 0
	for ctx.Err() == nil {
		r.syncCycle(ctx, client, rng, stats, cycles)
		cycles++
	}
}

// timed runs fn and records its latency under op.
func timed(stats *collector, op string, fn func() error) {
	start := time.Now()
	err := fn()
	stats.record(op, time.Since(start), err)
}

// syncCycle is one pass of the canonical client behavior: metadata fetch,
// batch upload, collection read, single-item round trip, and an occasional
// collection wipe.
func (r *Runner) syncCycle(ctx context.Context, client *Client, rng *rand.Rand, stats *collector, cycle int) {
	collection := r.opts.Collection

	timed(stats, "info_collections", func() error {
		_, err := client.InfoCollections(ctx)
		return err
	})
	if ctx.Err() != nil {
		return
	}

	batch := make([]*bso.BSO, 0, 10)
	for i := 0; i < 10; i++ {
		payload := randomPayload(rng, 200+rng.Intn(800))
		sortIndex := int64(rng.Intn(1000))
		batch = append(batch, &bso.BSO{
			ID:        uuid.NewString(),
			Payload:   &payload,
			SortIndex: &sortIndex,
		})
	}
	timed(stats, "batch_upload", func() error {
		return client.PostBatch(ctx, collection, batch)
	})
	if ctx.Err() != nil {
		return
	}

	timed(stats, "collection_read", func() error {
		_, err := client.GetCollection(ctx, collection)
		return err
	})
	if ctx.Err() != nil {
		return
	}

	itemID := uuid.NewString()
	payload := randomPayload(rng, 500)
	timed(stats, "item_write", func() error {
		return client.PutItem(ctx, collection, itemID, &bso.BSO{Payload: &payload})
	})
	timed(stats, "item_read", func() error {
		_, err := client.GetItem(ctx, collection, itemID)
		return err
	})
	timed(stats, "item_delete", func() error {
		return client.DeleteItem(ctx, collection, itemID)
	})

	// Wipe roughly every 20 cycles so collections don't grow unboundedly
	// over a long bench.
	if cycle > 0 && cycle%20 == 0 {
		timed(stats, "collection_delete", func() error {
			return client.DeleteCollection(ctx, collection)
		})
	}
}

// report POSTs the summary to the configured report endpoint.
func (r *Runner) report(ctx context.Context, summary *Summary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.opts.ReportURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("loadgen: report endpoint returned %d", resp.StatusCode)
	}
	return nil
}

const payloadAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomPayload builds a payload of n printable characters.
func randomPayload(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = payloadAlphabet[rng.Intn(len(payloadAlphabet))]
	}
	return string(b)
}
