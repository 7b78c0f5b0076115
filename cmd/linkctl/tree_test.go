package main

import (
	"fmt"
	"linkdb/pkg/config"
	"linkdb/pkg/pagecache"
	"testing"
)

func TestPutSplitsAndFinds(t *testing.T) {
	c := pagecache.New(config.CacheConfig{MaxPageBytes: 1024, CompactAfter: 8, MaxChainBytes: 1 << 20}, nil)

	const n = 300
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", i)
		if err := put(c, defaultTree, []byte(key), []byte(fmt.Sprintf("value-%d", i))); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	for i := 0; i < n; i += 3 {
		if err := del(c, defaultTree, []byte(fmt.Sprintf("key-%04d", i))); err != nil {
			t.Fatalf("del: %v", err)
		}
	}

	if splits := c.Stats()["splits"]; splits == uint64(0) {
		t.Fatal("expected the tree to split")
	}

	g := c.Pin()
	defer g.Unpin()
	root, err := rootOf(c, g, defaultTree, false)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", i)
		val, found, err := c.Find(g, root, []byte(key))
		if err != nil {
			t.Fatalf("find %s: %v", key, err)
		}
		if i%3 == 0 {
			if found {
				t.Fatalf("%s should be deleted", key)
			}
			continue
		}
		if !found || string(val) != fmt.Sprintf("value-%d", i) {
			t.Fatalf("%s = %q found=%v", key, val, found)
		}
	}
}

func TestRootOfWithoutCreate(t *testing.T) {
	c := pagecache.New(config.Default().Cache, nil)
	g := c.Pin()
	defer g.Unpin()

	if root, err := rootOf(c, g, "missing", false); err != nil || root != 0 {
		t.Fatalf("root=%s err=%v", root, err)
	}
	root, err := rootOf(c, g, "made", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if again, _ := rootOf(c, g, "made", false); again != root {
		t.Fatalf("root %s, then %s", root, again)
	}
}
