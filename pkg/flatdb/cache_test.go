package flatdb

import (
	"path/filepath"
	"testing"
)

func openTestPagedFile(t *testing.T) *pagedFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paged.dat")
	pf, _, err := openPagedFile(path, 4096, 2, nil, nil)
	if err != nil {
		t.Fatalf("openPagedFile: %v", err)
	}
	t.Cleanup(func() { pf.close() })
	return pf
}

func TestCacheLockEmptyThenSaveThenReload(t *testing.T) {
	pf := openTestPagedFile(t)
	c := newPageCache(pf, 4096, 1, nil)

	b, err := c.lockEmpty(1)
	if err != nil {
		t.Fatalf("lockEmpty: %v", err)
	}
	copy(b.Data, []byte("hello"))
	if err := c.saveToStorage(b); err != nil {
		t.Fatalf("saveToStorage: %v", err)
	}
	pageID := b.pageID
	c.unlock(b)

	// a fresh cache over the same file should read back what was saved
	c2 := newPageCache(pf, 4096, 1, nil)
	b2, err := c2.lockFromStorage(pageID, 1)
	if err != nil {
		t.Fatalf("lockFromStorage: %v", err)
	}
	defer c2.unlock(b2)
	if string(b2.Data[:5]) != "hello" {
		t.Fatalf("Data = %q, want %q", b2.Data[:5], "hello")
	}
}

func TestCacheEvictsUnpinnedOverBudget(t *testing.T) {
	pf := openTestPagedFile(t)
	c := newPageCache(pf, 4096, 1, nil) // budget: 1MB / 4096 = 256 pages is way above our usage
	c.maxPages = 2                      // force a tight budget for the test

	for i := 0; i < 3; i++ {
		b, err := c.lockEmpty(1)
		if err != nil {
			t.Fatalf("lockEmpty: %v", err)
		}
		if err := c.saveToStorage(b); err != nil {
			t.Fatalf("saveToStorage: %v", err)
		}
		c.unlock(b)
	}

	if uint64(len(c.byID)) > c.maxPages {
		t.Fatalf("cache holds %d buffers, want <= %d", len(c.byID), c.maxPages)
	}
}
