package dist

import (
	"math"
	"sync"
	"testing"
)

func TestAllReduceSum(t *testing.T) {
	const world = 4
	g := New(world)

	results := make([][]float64, world)
	var wg sync.WaitGroup
	for r := 0; r < world; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			v := []float64{float64(r), 1.0, float64(r * r)}
			g.AllReduceSum(v)
			results[r] = v
		}(r)
	}
	wg.Wait()

	want := []float64{0 + 1 + 2 + 3, 4, 0 + 1 + 4 + 9}
	for r := 0; r < world; r++ {
		for i := range want {
			if results[r][i] != want[i] {
				t.Errorf("rank %d element %d = %g, want %g", r, i, results[r][i], want[i])
			}
		}
	}
}

func TestAllReduceMean(t *testing.T) {
	const world = 3
	g := New(world)

	results := make([][]float64, world)
	var wg sync.WaitGroup
	for r := 0; r < world; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			v := []float64{float64(r + 1)}
			g.AllReduceMean(v)
			results[r] = v
		}(r)
	}
	wg.Wait()

	for r := 0; r < world; r++ {
		if math.Abs(results[r][0]-2.0) > 1e-12 {
			t.Errorf("rank %d mean = %g, want 2", r, results[r][0])
		}
	}
}

// Successive collectives must not bleed into each other: the second round
// reuses the shared buffer right after the first drains.
func TestBackToBackCollectives(t *testing.T) {
	const world = 4
	const rounds = 100
	g := New(world)

	errs := make(chan string, world)
	var wg sync.WaitGroup
	for r := 0; r < world; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for round := 0; round < rounds; round++ {
				v := []float64{float64(round)}
				g.AllReduceSum(v)
				if v[0] != float64(round*world) {
					errs <- "bad sum"
					return
				}
			}
		}(r)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatal(e)
	}
}

func TestSingleRankFastPath(t *testing.T) {
	g := New(1)
	v := []float64{5, 7}
	g.AllReduceSum(v)
	if v[0] != 5 || v[1] != 7 {
		t.Errorf("single-rank sum changed values: %v", v)
	}
	g.AllReduceMean(v)
	if v[0] != 5 {
		t.Errorf("single-rank mean changed values: %v", v)
	}
	g.Barrier()
}

func TestBarrier(t *testing.T) {
	const world = 3
	g := New(world)

	var mu sync.Mutex
	arrived := 0
	var wg sync.WaitGroup
	for r := 0; r < world; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			arrived++
			mu.Unlock()
			g.Barrier()
			mu.Lock()
			if arrived != world {
				t.Errorf("rank passed barrier with %d arrivals", arrived)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
}

func TestIsMain(t *testing.T) {
	if !IsMain(0) {
		t.Error("rank 0 should be main")
	}
	if IsMain(1) {
		t.Error("rank 1 should not be main")
	}
}
