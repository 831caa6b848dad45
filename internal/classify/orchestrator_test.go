package classify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scanium/scanpipe/internal/model"
	"github.com/scanium/scanpipe/internal/resilience"
)

// stubClassifier counts calls and returns a fixed result or error. If
// release is non-nil the call blocks until the channel is closed.
type stubClassifier struct {
	calls   atomic.Int64
	release chan struct{}
	result  *model.ClassificationResult
	err     error
}

func (s *stubClassifier) Name() string { return "stub" }

func (s *stubClassifier) ClassifySingle(ctx context.Context, in model.ClassificationInput) (*model.ClassificationResult, error) {
	s.calls.Add(1)
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.result, s.err
}

func successResult() *model.ClassificationResult {
	return &model.ClassificationResult{
		Label:      "lamp",
		Category:   "home_decor",
		Confidence: 0.9,
		Mode:       model.ModeOnDevice,
		Status:     model.StatusSuccess,
	}
}

func noRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond}
}

// collector gathers delivered results.
type collector struct {
	mu      sync.Mutex
	results map[string]*model.ClassificationResult
	done    chan struct{}
	want    int
}

func newCollector(want int) *collector {
	return &collector{
		results: make(map[string]*model.ClassificationResult),
		done:    make(chan struct{}),
		want:    want,
	}
}

func (c *collector) onResult(id string, res *model.ClassificationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[id] = res
	if len(c.results) == c.want {
		close(c.done)
	}
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for results")
	}
}

func (c *collector) get(id string) *model.ClassificationResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[id]
}

func input(id string) model.ClassificationInput {
	return model.ClassificationInput{ItemID: id, Label: "lamp"}
}

func TestClassifyDispatchesOncePerItem(t *testing.T) {
	stub := &stubClassifier{release: make(chan struct{}), result: successResult()}
	o := NewOrchestrator(stub, nil, nil, noRetry(), 4)
	col := newCollector(1)

	ctx := context.Background()
	o.Classify(ctx, []model.ClassificationInput{input("item-1")}, col.onResult)
	o.Classify(ctx, []model.ClassificationInput{input("item-1")}, col.onResult)

	// Let both Classify calls settle before releasing the blocked attempt.
	time.Sleep(50 * time.Millisecond)
	close(stub.release)
	col.wait(t)

	if got := stub.calls.Load(); got != 1 {
		t.Fatalf("classifier called %d times, want 1", got)
	}
	if res := col.get("item-1"); res == nil || res.Status != model.StatusSuccess {
		t.Fatalf("unexpected result: %+v", col.get("item-1"))
	}
}

func TestClassifyCachesResult(t *testing.T) {
	stub := &stubClassifier{result: successResult()}
	o := NewOrchestrator(stub, nil, nil, noRetry(), 4)
	col := newCollector(1)

	o.Classify(context.Background(), []model.ClassificationInput{input("item-1")}, col.onResult)
	col.wait(t)

	res, ok := o.Result("item-1")
	if !ok {
		t.Fatal("expected cached result")
	}
	if res.Category != "home_decor" {
		t.Fatalf("cached category = %q", res.Category)
	}

	// A later dispatch for the same item is a no-op.
	o.Classify(context.Background(), []model.ClassificationInput{input("item-1")}, col.onResult)
	time.Sleep(50 * time.Millisecond)
	if got := stub.calls.Load(); got != 1 {
		t.Fatalf("classifier called %d times after cache hit, want 1", got)
	}
}

func TestClassifyFailureIsTerminal(t *testing.T) {
	stub := &stubClassifier{err: errors.New("model unavailable")}
	o := NewOrchestrator(stub, nil, nil, noRetry(), 4)
	col := newCollector(1)

	o.Classify(context.Background(), []model.ClassificationInput{input("item-1")}, col.onResult)
	col.wait(t)

	res := col.get("item-1")
	if res == nil || res.Status != model.StatusFailed {
		t.Fatalf("expected failed result, got %+v", res)
	}
	if res.ErrorMessage == "" {
		t.Fatal("expected error message on failed result")
	}
	if o.ShouldClassify("item-1") {
		t.Fatal("failed item should not be eligible for dispatch")
	}

	// The failure is cached: no second attempt without an explicit retry.
	o.Classify(context.Background(), []model.ClassificationInput{input("item-1")}, col.onResult)
	time.Sleep(50 * time.Millisecond)
	if got := stub.calls.Load(); got != 1 {
		t.Fatalf("classifier called %d times after cached failure, want 1", got)
	}
}

func TestRetryRedispatchesExactlyOnce(t *testing.T) {
	stub := &stubClassifier{err: errors.New("model unavailable")}
	o := NewOrchestrator(stub, nil, nil, noRetry(), 4)

	col := newCollector(1)
	o.Classify(context.Background(), []model.ClassificationInput{input("item-1")}, col.onResult)
	col.wait(t)

	stub.err = nil
	stub.result = successResult()

	col2 := newCollector(1)
	o.Retry(context.Background(), input("item-1"), col2.onResult)
	col2.wait(t)

	if got := stub.calls.Load(); got != 2 {
		t.Fatalf("classifier called %d times, want 2", got)
	}
	if _, ok := o.Result("item-1"); !ok {
		t.Fatal("expected cached result after successful retry")
	}
}

func TestRetrySkipsInFlightAttempt(t *testing.T) {
	stub := &stubClassifier{release: make(chan struct{}), result: successResult()}
	o := NewOrchestrator(stub, nil, nil, noRetry(), 4)
	col := newCollector(1)

	ctx := context.Background()
	o.Classify(ctx, []model.ClassificationInput{input("item-1")}, col.onResult)
	o.Retry(ctx, input("item-1"), col.onResult)

	close(stub.release)
	col.wait(t)

	if got := stub.calls.Load(); got != 1 {
		t.Fatalf("classifier called %d times, want 1", got)
	}
}

func TestOneFailureDoesNotAffectSiblings(t *testing.T) {
	okStub := successResult()
	stub := &stubClassifier{result: okStub}
	o := NewOrchestrator(stub, nil, nil, noRetry(), 4)
	col := newCollector(3)

	inputs := []model.ClassificationInput{input("a"), input("b"), input("c")}
	o.Classify(context.Background(), inputs, col.onResult)
	col.wait(t)

	for _, id := range []string{"a", "b", "c"} {
		if res := col.get(id); res == nil || res.Status != model.StatusSuccess {
			t.Fatalf("item %s: unexpected result %+v", id, col.get(id))
		}
	}
}

func TestResetDiscardsStaleCompletion(t *testing.T) {
	stub := &stubClassifier{release: make(chan struct{}), result: successResult()}
	o := NewOrchestrator(stub, nil, nil, noRetry(), 4)

	var delivered atomic.Int64
	o.Classify(context.Background(), []model.ClassificationInput{input("item-1")}, func(string, *model.ClassificationResult) {
		delivered.Add(1)
	})

	time.Sleep(20 * time.Millisecond)
	o.Reset()
	close(stub.release)
	time.Sleep(50 * time.Millisecond)

	if got := delivered.Load(); got != 0 {
		t.Fatalf("stale completion delivered %d times, want 0", got)
	}
	if !o.ShouldClassify("item-1") {
		t.Fatal("item should be eligible again after reset")
	}
}

func TestModeSampledPerDispatch(t *testing.T) {
	onDevice := &stubClassifier{result: successResult()}
	cloudRes := successResult()
	cloudRes.Mode = model.ModeCloud
	cloud := &stubClassifier{result: cloudRes}

	mode := model.ModeOnDevice
	var modeMu sync.Mutex
	modeFn := func() model.ClassifierMode {
		modeMu.Lock()
		defer modeMu.Unlock()
		return mode
	}

	o := NewOrchestrator(onDevice, cloud, modeFn, noRetry(), 4)

	col := newCollector(1)
	o.Classify(context.Background(), []model.ClassificationInput{input("a")}, col.onResult)
	col.wait(t)

	modeMu.Lock()
	mode = model.ModeCloud
	modeMu.Unlock()

	col2 := newCollector(1)
	o.Classify(context.Background(), []model.ClassificationInput{input("b")}, col2.onResult)
	col2.wait(t)

	if got := onDevice.calls.Load(); got != 1 {
		t.Fatalf("on-device called %d times, want 1", got)
	}
	if got := cloud.calls.Load(); got != 1 {
		t.Fatalf("cloud called %d times, want 1", got)
	}
}

func TestForgetDropsTerminalEntry(t *testing.T) {
	stub := &stubClassifier{result: successResult()}
	o := NewOrchestrator(stub, nil, nil, noRetry(), 4)
	col := newCollector(1)

	o.Classify(context.Background(), []model.ClassificationInput{input("item-1")}, col.onResult)
	col.wait(t)

	o.Forget("item-1")
	if !o.ShouldClassify("item-1") {
		t.Fatal("item should be eligible after forget")
	}
}

func TestNilResultBecomesFailure(t *testing.T) {
	stub := &stubClassifier{} // returns nil, nil
	o := NewOrchestrator(stub, nil, nil, noRetry(), 4)
	col := newCollector(1)

	o.Classify(context.Background(), []model.ClassificationInput{input("item-1")}, col.onResult)
	col.wait(t)

	res := col.get("item-1")
	if res == nil || res.Status != model.StatusFailed {
		t.Fatalf("expected failed result for nil classifier output, got %+v", res)
	}
}
