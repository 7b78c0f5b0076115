package main

import (
	"bytes"
	"linkdb/pkg/common"
	"linkdb/pkg/epoch"
	"linkdb/pkg/ivec"
	"linkdb/pkg/page"
	"linkdb/pkg/pagecache"

	"github.com/cockroachdb/errors"
)

// rootOf returns the root page of a named tree, creating an empty leaf for
// it when create is set.
func rootOf(c *pagecache.Cache, g *epoch.Guard, name string, create bool) (common.PageID, error) {
	meta, err := c.Meta(g)
	if err != nil {
		return common.NoPage, err
	}
	if root, ok := meta.Roots[name]; ok || !create {
		return root, nil
	}
	root, err := c.Allocate(g, page.Base{Node: page.NewLeafNode(nil, nil, common.NoPage)})
	if err != nil {
		return common.NoPage, err
	}
	return root, c.SetRoot(g, name, root)
}

// descend finds the leaf owning key. path holds the index pages passed on
// the way down, root first.
func descend(c *pagecache.Cache, g *epoch.Guard, root common.PageID, key []byte) ([]common.PageID, *pagecache.Page, error) {
	var path []common.PageID
	pid := root
	for {
		p, err := c.Get(g, pid)
		if err != nil {
			return nil, nil, err
		}
		if hi := p.View.Hi(); len(hi) > 0 && bytes.Compare(key, hi) >= 0 {
			pid = p.View.Next()
			continue
		}
		data := p.View.Data()
		if !data.IsIndex() {
			return path, p, nil
		}
		child, ok := data.Route(key, p.View.Lo())
		if !ok {
			return nil, nil, errors.Newf("linkctl: no route for %q in %s", key, pid)
		}
		path = append(path, pid)
		pid = child
	}
}

func put(c *pagecache.Cache, tree string, key, value []byte) error {
	return write(c, tree, key, page.Set{Key: ivec.New(key), Value: ivec.New(value)})
}

func del(c *pagecache.Cache, tree string, key []byte) error {
	return write(c, tree, key, page.Del{Key: ivec.New(key)})
}

func write(c *pagecache.Cache, tree string, key []byte, frag page.Frag) error {
	g := c.Pin()
	defer g.Unpin()

	root, err := rootOf(c, g, tree, true)
	if err != nil {
		return err
	}
	for {
		path, leaf, err := descend(c, g, root, key)
		if err != nil {
			return err
		}
		_, err = c.Append(g, leaf, frag)
		if errors.Is(err, pagecache.ErrStale) {
			continue
		}
		if err != nil {
			return err
		}
		return splitUp(c, g, tree, append(path, leaf.ID))
	}
}

// splitUp splits oversized pages from the leaf towards the root.
func splitUp(c *pagecache.Cache, g *epoch.Guard, tree string, path []common.PageID) error {
	for i := len(path) - 1; i >= 0; i-- {
		ok, err := c.ShouldSplit(g, path[i])
		if err != nil || !ok {
			return err
		}
		parent := common.NoPage
		if i > 0 {
			parent = path[i-1]
		}
		res, err := c.Split(g, path[i], parent)
		if errors.Is(err, pagecache.ErrTooSmall) {
			return nil
		}
		if err != nil {
			return err
		}
		if res.NewRoot != common.NoPage {
			return c.SetRoot(g, tree, res.NewRoot)
		}
	}
	return nil
}
