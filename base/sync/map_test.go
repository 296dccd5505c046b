package sync_test

import (
	stdsync "sync"
	"testing"

	"github.com/gx-org/shapetrack/base/sync"
)

func TestMemo(t *testing.T) {
	var m sync.Memo[string, int]
	calls := 0
	got := m.Do("a", func() int {
		calls++
		return 42
	})
	if got != 42 {
		t.Errorf("Do(a) = %d but want 42", got)
	}
	got = m.Do("a", func() int {
		calls++
		return 7
	})
	if got != 42 {
		t.Errorf("second Do(a) = %d but want the memoized 42", got)
	}
	if calls != 1 {
		t.Errorf("compute ran %d times but want 1", calls)
	}
}

func TestMemoConcurrent(t *testing.T) {
	var m sync.Memo[int, int]
	var wg stdsync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 8; k++ {
				if got := m.Do(k, func() int { return k * k }); got != k*k {
					t.Errorf("Do(%d) = %d but want %d", k, got, k*k)
				}
			}
		}()
	}
	wg.Wait()
}
