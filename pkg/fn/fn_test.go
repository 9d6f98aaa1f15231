package fn

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestResultBasics(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Fatalf("Ok should be ok")
	}
	v, err := r.Unwrap()
	if v != 42 || err != nil {
		t.Fatalf("Unwrap = (%d, %v)", v, err)
	}

	e := Err[int](errBoom)
	if e.IsOk() {
		t.Fatalf("Err should not be ok")
	}
	if !errors.Is(e.Err(), errBoom) {
		t.Fatalf("Err() = %v", e.Err())
	}
	if got := e.UnwrapOr(7); got != 7 {
		t.Fatalf("UnwrapOr = %d", got)
	}
}

func TestErrfWraps(t *testing.T) {
	r := Errf[string]("fetch %q: %w", "x", errBoom)
	if !errors.Is(r.Err(), errBoom) {
		t.Fatalf("Errf should wrap with %%w: %v", r.Err())
	}
}

func TestFromPair(t *testing.T) {
	if r := FromPair(3, nil); !r.IsOk() {
		t.Fatalf("nil error should be ok")
	}
	if r := FromPair(0, errBoom); !r.IsErr() {
		t.Fatalf("non-nil error should be err")
	}
}

func TestMapAndThen(t *testing.T) {
	r := Ok(2).Map(func(v int) int { return v * 3 }).
		AndThen(func(v int) Result[int] { return Ok(v + 1) })
	if got := r.Must(); got != 7 {
		t.Fatalf("chained = %d", got)
	}
	e := Err[int](errBoom).Map(func(v int) int { return v * 3 })
	if e.IsOk() {
		t.Fatalf("Map must not run on err")
	}
}

func TestMapResult(t *testing.T) {
	r := MapResult(Ok(5), strconv.Itoa)
	if got := r.Must(); got != "5" {
		t.Fatalf("MapResult = %q", got)
	}
	e := MapResult(Err[int](errBoom), strconv.Itoa)
	if !errors.Is(e.Err(), errBoom) {
		t.Fatalf("error must pass through")
	}
}

func TestCollect(t *testing.T) {
	all := Collect([]Result[int]{Ok(1), Ok(2), Ok(3)})
	if got := all.Must(); len(got) != 3 || got[2] != 3 {
		t.Fatalf("Collect = %v", got)
	}
	bad := Collect([]Result[int]{Ok(1), Err[int](errBoom)})
	if !errors.Is(bad.Err(), errBoom) {
		t.Fatalf("Collect should surface first error")
	}
}

func TestThenShortCircuits(t *testing.T) {
	var secondRan bool
	first := func(_ context.Context, s string) Result[int] {
		return Err[int](errBoom)
	}
	second := func(_ context.Context, v int) Result[string] {
		secondRan = true
		return Ok(strconv.Itoa(v))
	}
	r := Then(first, second)(context.Background(), "in")
	if !errors.Is(r.Err(), errBoom) || secondRan {
		t.Fatalf("second stage ran after failure")
	}
}

func TestPipelineOrder(t *testing.T) {
	add := func(n int) Stage[int, int] {
		return func(_ context.Context, v int) Result[int] { return Ok(v + n) }
	}
	double := func(_ context.Context, v int) Result[int] { return Ok(v * 2) }
	r := Pipeline(add(1), double, add(3))(context.Background(), 4)
	if got := r.Must(); got != 13 {
		t.Fatalf("pipeline = %d, want 13", got)
	}
}

func TestBatchStage(t *testing.T) {
	sq := func(_ context.Context, v int) Result[int] { return Ok(v * v) }
	r := BatchStage(2, sq)(context.Background(), []int{1, 2, 3, 4})
	got := r.Must()
	want := []int{1, 4, 9, 16}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("BatchStage = %v", got)
		}
	}
}

func TestParMapPreservesOrder(t *testing.T) {
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}
	out := ParMap(items, 8, func(v int) int { return v * 2 })
	for i, v := range out {
		if v != i*2 {
			t.Fatalf("out[%d] = %d", i, v)
		}
	}
}

func TestParMapBoundsWorkers(t *testing.T) {
	var inFlight, peak int64
	items := make([]int, 32)
	ParMap(items, 4, func(int) int {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return 0
	})
	if peak > 4 {
		t.Fatalf("observed %d concurrent workers, limit 4", peak)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	var calls int
	opts := RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		calls++
		if calls < 3 {
			return Err[int](errBoom)
		}
		return Ok(9)
	})
	if got := r.Must(); got != 9 || calls != 3 {
		t.Fatalf("Retry = %d after %d calls", got, calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Retry(ctx, DefaultRetry, func(context.Context) Result[int] {
		return Err[int](errBoom)
	})
	if !errors.Is(r.Err(), context.Canceled) {
		t.Fatalf("expected context error, got %v", r.Err())
	}
}

func TestRetryExhausts(t *testing.T) {
	var calls int
	opts := RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		calls++
		return Err[int](errBoom)
	})
	if calls != 2 || !errors.Is(r.Err(), errBoom) {
		t.Fatalf("calls=%d err=%v", calls, r.Err())
	}
}

func TestRetryIfStopsPermanentFailure(t *testing.T) {
	var calls int
	opts := RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Millisecond,
		MaxWait:     time.Millisecond,
		RetryIf:     func(err error) bool { return !errors.Is(err, errBoom) },
	}
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		calls++
		return Err[int](errBoom)
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !errors.Is(r.Err(), errBoom) {
		t.Fatalf("err = %v", r.Err())
	}
}

func TestSliceHelpers(t *testing.T) {
	nums := []int{1, 2, 3, 4, 5}

	doubled := Map(nums, func(v int) int { return v * 2 })
	if doubled[4] != 10 {
		t.Errorf("Map = %v", doubled)
	}

	even := Filter(nums, func(v int) bool { return v%2 == 0 })
	if len(even) != 2 || even[0] != 2 {
		t.Errorf("Filter = %v", even)
	}

	strs := FilterMap(nums, func(v int) (string, bool) {
		return strconv.Itoa(v), v > 3
	})
	if len(strs) != 2 || strs[0] != "4" {
		t.Errorf("FilterMap = %v", strs)
	}

	groups := GroupBy(nums, func(v int) int { return v % 2 })
	if len(groups[1]) != 3 {
		t.Errorf("GroupBy = %v", groups)
	}

	chunks := Chunk(nums, 2)
	if len(chunks) != 3 || len(chunks[2]) != 1 {
		t.Errorf("Chunk = %v", chunks)
	}
	if Chunk(nums, 0) != nil {
		t.Errorf("Chunk with n<=0 should be nil")
	}

	uniq := Unique([]int{1, 1, 2, 3, 2})
	if len(uniq) != 3 || uniq[0] != 1 {
		t.Errorf("Unique = %v", uniq)
	}

	uniqBy := UniqueBy([]string{"aa", "ab", "ba"}, func(s string) byte { return s[0] })
	if len(uniqBy) != 2 || uniqBy[0] != "aa" {
		t.Errorf("UniqueBy = %v", uniqBy)
	}

	flat := FlatMap([]int{1, 2}, func(v int) []int { return []int{v, v} })
	if len(flat) != 4 || flat[3] != 2 {
		t.Errorf("FlatMap = %v", flat)
	}
}

func TestTapStagePassesThrough(t *testing.T) {
	var seen int
	tap := TapStage(func(_ context.Context, v int) { seen = v })
	r := tap(context.Background(), 11)
	if r.Must() != 11 || seen != 11 {
		t.Fatalf("TapStage value lost: %v seen=%d", r, seen)
	}
}
