package store

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"billbook/internal/model"
)

func TestStore_ConcurrentCreatesGetDistinctIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		s := open()
		ctx := context.Background()
		workers, iters := 4, 25

		var mu sync.Mutex
		seen := make(map[string]bool)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < iters; i++ {
					p, err := s.CreateProduct(ctx, model.Product{Name: "p", Price: 1})
					if err != nil {
						t.Errorf("create: %v", err)
						return
					}
					mu.Lock()
					if seen[p.ID] {
						t.Errorf("duplicate id %s", p.ID)
					}
					seen[p.ID] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(seen) != workers*iters {
			t.Fatalf("want %d ids, got %d", workers*iters, len(seen))
		}
		for i := 1; i <= workers*iters; i++ {
			if !seen[strconv.Itoa(i)] {
				t.Fatalf("id %d missing, sequence has a hole", i)
			}
		}
	})
}

func TestStore_ConcurrentUpdateSettingIsAtomic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		s := open()
		ctx := context.Background()
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					_, err := s.UpdateSetting(ctx, "n", func(cur string, ok bool) (string, error) {
						n, _ := strconv.Atoi(cur)
						return strconv.Itoa(n + 1), nil
					})
					if err != nil {
						t.Errorf("update: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()
		if v, _, _ := s.GetSetting(ctx, "n"); v != "80" {
			t.Fatalf("lost updates: got %s want 80", v)
		}
	})
}
