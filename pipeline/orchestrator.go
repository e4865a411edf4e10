package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/extractmd/idgen"
)

const (
	// maxRetryRounds bounds re-extraction of pages the cleaner rejected,
	// counted after the initial pass over the document.
	maxRetryRounds = 3
	// cleanWorkers bounds concurrent rewrite requests; rewrites are long
	// completions and saturate providers faster than page OCR.
	cleanWorkers = 8
)

// ProgressStore persists page results between runs. progress.Store
// implements it; a nil store disables persistence.
type ProgressStore interface {
	Load(ctx context.Context) (map[int]string, error)
	Save(ctx context.Context, results map[int]string) error
	Remove(ctx context.Context, pages []int) error
}

// Orchestrator runs the full extraction of one document: bounded worker
// pool, concurrent cleaning pool, periodic progress snapshots, and bounded
// retry rounds.
type Orchestrator struct {
	Doc          PageSource
	Worker       *Worker
	Cleaner      *Cleaner // nil disables the cleaning stage
	Store        ProgressStore
	Methods      []Method
	MaxWorkers   int
	SaveInterval int
	Logger       *slog.Logger

	mu      sync.Mutex
	results map[int]string
	unsaved int

	retryMu sync.Mutex
	retry   map[int]bool

	exhausted []int
}

type cleanItem struct {
	index int
	text  string
}

// Run extracts every page and returns the complete result map: one entry
// per page index, empty string for pages that exhausted their retries.
// On cancellation the partial results are snapshotted and returned with
// the context error.
func (o *Orchestrator) Run(ctx context.Context) (map[int]string, error) {
	log := o.logger().With("run_id", idgen.New(), "doc", o.Doc.Path())
	total := o.Doc.PageCount()

	o.results = make(map[int]string)
	if o.Store != nil {
		saved, err := o.Store.Load(ctx)
		if err != nil {
			log.Warn("progress load failed, starting fresh", "error", err)
		} else {
			for k, v := range saved {
				if k >= 0 && k < total {
					o.results[k] = v
				}
			}
		}
	}

	pending := o.missingPages(total)
	if len(pending) == 0 {
		log.Info("all pages already extracted", "pages", total)
		return o.snapshotAndReturn(ctx, nil)
	}
	log.Info("extraction starting",
		"pages", total,
		"pending", len(pending),
		"workers", o.MaxWorkers)

	o.runRound(ctx, pending, false)
	if ctx.Err() != nil {
		return o.snapshotAndReturn(ctx, ctx.Err())
	}
	pending = o.takeRetrySet()

	// Rejected pages get maxRetryRounds more chances, each on the VLM path.
	for round := 1; round <= maxRetryRounds && len(pending) > 0; round++ {
		log.Info("retry round starting",
			"round", round,
			"pages", len(pending))

		o.runRound(ctx, pending, true)
		if ctx.Err() != nil {
			return o.snapshotAndReturn(ctx, ctx.Err())
		}
		pending = o.takeRetrySet()
	}

	if len(pending) > 0 {
		// Rounds exhausted: record the survivors as empty so the result
		// map stays total and the next run does not redo them.
		log.Warn("pages exhausted all rounds, recording empty",
			"pages", pending)
		o.exhausted = append(o.exhausted, pending...)
		o.mu.Lock()
		for _, idx := range pending {
			o.results[idx] = ""
			o.unsaved++
		}
		o.mu.Unlock()
	}
	return o.snapshotAndReturn(ctx, nil)
}

// runRound processes the given pages once. Round 0 uses the assigned
// methods; later rounds force the VLM path for pages whose earlier text
// was rejected.
func (o *Orchestrator) runRound(ctx context.Context, pages []int, forceAI bool) {
	cleanCh := make(chan cleanItem, len(pages))
	var cleaners *errgroup.Group
	if o.Cleaner != nil {
		cleaners = &errgroup.Group{}
		for i := 0; i < cleanWorkers; i++ {
			cleaners.Go(func() error {
				for item := range cleanCh {
					o.cleanPage(ctx, item)
				}
				return nil
			})
		}
	}

	sem := make(chan struct{}, o.MaxWorkers)
	var wg sync.WaitGroup
	for _, idx := range pages {
		select {
		case <-ctx.Done():
			// Stop submitting; in-flight pages finish on their own terms.
			goto wait
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			method := o.Methods[idx]
			if forceAI {
				method = MethodAI
			}
			text, err := o.Worker.ProcessPage(ctx, o.Doc, idx, method)
			if err != nil {
				return
			}
			if o.Cleaner != nil && text != "" {
				cleanCh <- cleanItem{index: idx, text: text}
				return
			}
			o.record(ctx, idx, text)
		}(idx)
	}

wait:
	wg.Wait()
	close(cleanCh)
	if cleaners != nil {
		cleaners.Wait()
	}
}

// cleanPage runs the cleaner for one extracted page. Neighbor context is
// read from the current result map; unfinished neighbors contribute
// nothing, which is accepted looseness rather than a synchronization point.
func (o *Orchestrator) cleanPage(ctx context.Context, item cleanItem) {
	if ctx.Err() != nil {
		// Shutdown: keep the raw extraction instead of dropping the page.
		o.record(ctx, item.index, item.text)
		return
	}
	o.mu.Lock()
	prev := o.results[item.index-1]
	next := o.results[item.index+1]
	o.mu.Unlock()

	cleaned, outcome := o.Cleaner.Clean(ctx, item.text, prev, next)
	switch outcome {
	case OutcomeRetry:
		o.logger().Info("cleaner rejected page, queuing re-extraction",
			"page", item.index)
		o.retryMu.Lock()
		if o.retry == nil {
			o.retry = make(map[int]bool)
		}
		o.retry[item.index] = true
		o.retryMu.Unlock()
		if o.Store != nil {
			if err := o.Store.Remove(ctx, []int{item.index}); err != nil {
				o.logger().Warn("progress remove failed", "page", item.index, "error", err)
			}
		}
	default:
		o.record(ctx, item.index, cleaned)
	}
}

// record stores a final page result and snapshots progress every
// SaveInterval completions.
func (o *Orchestrator) record(ctx context.Context, index int, text string) {
	o.mu.Lock()
	o.results[index] = text
	o.unsaved++
	flush := o.SaveInterval > 0 && o.unsaved >= o.SaveInterval
	if flush {
		o.unsaved = 0
	}
	o.mu.Unlock()
	if flush {
		o.snapshot(ctx)
	}
}

// snapshot persists the current result map. Persistence failures are
// warnings; the run continues on in-memory state.
func (o *Orchestrator) snapshot(ctx context.Context) {
	if o.Store == nil {
		return
	}
	o.mu.Lock()
	copied := make(map[int]string, len(o.results))
	for k, v := range o.results {
		copied[k] = v
	}
	o.mu.Unlock()
	// Persist even mid-shutdown.
	if err := o.Store.Save(context.WithoutCancel(ctx), copied); err != nil {
		o.logger().Warn("progress save failed", "error", err)
	}
}

func (o *Orchestrator) snapshotAndReturn(ctx context.Context, err error) (map[int]string, error) {
	o.snapshot(ctx)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.results, err
}

// ExhaustedPages lists pages recorded empty after all rounds. Call after
// Run returns; a non-empty list means the run was not a full success.
func (o *Orchestrator) ExhaustedPages() []int {
	return o.exhausted
}

// takeRetrySet drains the retry set into a sorted page list.
func (o *Orchestrator) takeRetrySet() []int {
	o.retryMu.Lock()
	defer o.retryMu.Unlock()
	pages := make([]int, 0, len(o.retry))
	for idx := range o.retry {
		pages = append(pages, idx)
	}
	o.retry = nil
	sort.Ints(pages)
	return pages
}

// missingPages lists pages with no recorded result, in order.
func (o *Orchestrator) missingPages(total int) []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	var pages []int
	for i := 0; i < total; i++ {
		if _, ok := o.results[i]; !ok {
			pages = append(pages, i)
		}
	}
	return pages
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
