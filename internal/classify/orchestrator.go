package classify

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/scanium/scanpipe/internal/model"
	"github.com/scanium/scanpipe/internal/resilience"
)

// entryState tracks one aggregated item through the dispatch lifecycle.
type entryState int

const (
	statePending entryState = iota
	stateCached
	stateFailed
)

type cacheEntry struct {
	state  entryState
	result *model.ClassificationResult
}

// ResultFunc receives the outcome of one dispatched classification attempt.
// Callbacks are serialized: no two run concurrently, and for a given item
// the callback always follows its own dispatch.
type ResultFunc func(itemID string, res *model.ClassificationResult)

// Orchestrator dispatches classification work per aggregated item. It owns
// the dispatch cache: at most one pending entry per item, and a cached
// success or failure is terminal until Retry or Reset.
type Orchestrator struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	gen     uint64 // bumped on Reset so stale completions are discarded

	deliverMu sync.Mutex

	onDevice Classifier
	cloud    Classifier
	mode     func() model.ClassifierMode
	retry    resilience.RetryConfig
	sem      *semaphore.Weighted
}

// NewOrchestrator creates an orchestrator. mode is sampled once per
// dispatch; maxConcurrent bounds in-flight classifier calls.
func NewOrchestrator(onDevice, cloud Classifier, mode func() model.ClassifierMode, retry resilience.RetryConfig, maxConcurrent int) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if mode == nil {
		mode = func() model.ClassifierMode { return model.ModeOnDevice }
	}
	return &Orchestrator{
		entries:  make(map[string]*cacheEntry),
		onDevice: onDevice,
		cloud:    cloud,
		mode:     mode,
		retry:    retry,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// ShouldClassify reports whether an item is eligible for dispatch: no
// cached result, not pending, not in the failed set.
func (o *Orchestrator) ShouldClassify(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, exists := o.entries[id]
	return !exists
}

// HasResult reports whether a successful result is cached for the item.
func (o *Orchestrator) HasResult(id string) bool {
	_, ok := o.Result(id)
	return ok
}

// Result returns the cached successful result for the item, if any.
func (o *Orchestrator) Result(id string) (*model.ClassificationResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	if !ok || e.state != stateCached {
		return nil, false
	}
	return e.result, true
}

// Classify dispatches each eligible input asynchronously and returns
// immediately. Ineligible inputs (pending, cached, or failed) are skipped.
// onResult is invoked once per dispatched input, success or failure; one
// input's failure never affects its siblings.
func (o *Orchestrator) Classify(ctx context.Context, inputs []model.ClassificationInput, onResult ResultFunc) {
	for _, in := range inputs {
		o.mu.Lock()
		if _, exists := o.entries[in.ItemID]; exists {
			o.mu.Unlock()
			continue
		}
		o.entries[in.ItemID] = &cacheEntry{state: statePending}
		gen := o.gen
		o.mu.Unlock()

		mode := o.mode() // sampled once per dispatch, never re-queried mid-flight
		go o.dispatch(ctx, gen, mode, in, onResult)
	}
}

// Retry clears any cached or failed entry for the item and forces a fresh
// dispatch. It is the only way to re-attempt a terminal failure.
func (o *Orchestrator) Retry(ctx context.Context, in model.ClassificationInput, onResult ResultFunc) {
	o.mu.Lock()
	if e, ok := o.entries[in.ItemID]; ok && e.state == statePending {
		// An attempt is already in flight; let it finish.
		o.mu.Unlock()
		return
	}
	delete(o.entries, in.ItemID)
	o.mu.Unlock()

	o.Classify(ctx, []model.ClassificationInput{in}, onResult)
}

// Forget drops any terminal entry for the item, e.g. when the item itself
// is removed. Pending entries are kept so the in-flight attempt can settle.
func (o *Orchestrator) Forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[id]; ok && e.state != statePending {
		delete(o.entries, id)
	}
}

// Reset drops the whole cache. Completions of attempts dispatched before
// the reset are discarded when they land.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = make(map[string]*cacheEntry)
	o.gen++
}

func (o *Orchestrator) classifierFor(mode model.ClassifierMode) Classifier {
	if mode == model.ModeCloud && o.cloud != nil {
		return o.cloud
	}
	return o.onDevice
}

func (o *Orchestrator) dispatch(ctx context.Context, gen uint64, mode model.ClassifierMode, in model.ClassificationInput, onResult ResultFunc) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.settle(gen, in, nil, err, mode, onResult)
		return
	}
	defer o.sem.Release(1)

	cls := o.classifierFor(mode)
	retry := o.retry
	retry.OnRetry = resilience.RetryLogger(cls.Name(), in.ItemID)

	res, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*model.ClassificationResult, error) {
		return cls.ClassifySingle(ctx, in)
	})
	o.settle(gen, in, res, err, mode, onResult)
}

// settle records the outcome and delivers it. Outcomes from before a Reset
// are dropped without delivery.
func (o *Orchestrator) settle(gen uint64, in model.ClassificationInput, res *model.ClassificationResult, err error, mode model.ClassifierMode, onResult ResultFunc) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		zap.L().Debug("classify: discarding stale completion",
			zap.String("item_id", in.ItemID),
		)
		return
	}
	e, ok := o.entries[in.ItemID]
	if !ok || e.state != statePending {
		// The entry was retried or forgotten while in flight.
		o.mu.Unlock()
		return
	}

	if err == nil && res.Succeeded() {
		e.state = stateCached
		e.result = res
	} else {
		// Failures are cached, not auto-retried, so a persistently broken
		// classifier is invoked at most once per item.
		e.state = stateFailed
		failed := &model.ClassificationResult{
			Mode:   mode,
			Status: model.StatusFailed,
		}
		if err != nil {
			failed.ErrorMessage = err.Error()
		} else {
			failed.ErrorMessage = "classifier returned no result"
		}
		if res != nil && res.RequestID != "" {
			failed.RequestID = res.RequestID
		}
		e.result = failed
		res = failed
	}
	o.mu.Unlock()

	if err != nil {
		zap.L().Warn("classify: classification failed",
			zap.String("item_id", in.ItemID),
			zap.String("mode", string(mode)),
			zap.Error(err),
		)
	}

	if onResult != nil {
		o.deliverMu.Lock()
		onResult(in.ItemID, res)
		o.deliverMu.Unlock()
	}
}
