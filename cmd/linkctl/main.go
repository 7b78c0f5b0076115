package main

import (
	"fmt"
	"linkdb/pkg/common"
	"linkdb/pkg/config"
	"linkdb/pkg/page"
	"linkdb/pkg/pagecache"
	"log"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

const defaultTree = "default"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "linkctl",
	Short: "Inspect and edit a linkdb page store",
	Long:  "linkctl opens a linkdb data directory, replays its frag log and works on the recovered pages.",
}

func openCache() *pagecache.Cache {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	c, err := pagecache.Open(cfg, nil)
	if err != nil {
		log.Fatalf("Error opening store at %s: %v", cfg.Storage.Path, err)
	}
	return c
}

func parsePid(s string) common.PageID {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		log.Fatalf("Invalid page id '%s'.", s)
	}
	return common.PageID(n)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print store identity, roots and cache counters",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c := openCache()
		defer c.Close()
		g := c.Pin()
		defer g.Unpin()

		meta, err := c.Meta(g)
		if err != nil {
			log.Fatalf("Error reading meta: %v", err)
		}
		fmt.Printf("store:   %s\n", meta.StoreID)
		for name, root := range meta.Roots {
			fmt.Printf("root:    %s -> %s\n", name, root)
		}
		fmt.Printf("counter: %d\n", c.Materializer().Recovery().Counter)
		for k, v := range c.Stats() {
			fmt.Printf("%-22s %v\n", k+":", v)
		}
	},
}

var pagesCmd = &cobra.Command{
	Use:   "pages",
	Short: "List live pages with their chain length and kind",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c := openCache()
		defer c.Close()
		g := c.Pin()
		defer g.Unpin()

		for _, pid := range c.PageIDs() {
			p, err := c.Get(g, pid)
			if err != nil {
				log.Fatalf("Error reading %s: %v", pid, err)
			}
			frags := p.View.Frags()
			fmt.Printf("%-10s frags=%-3d anchor=%s bytes=%d\n", pid, len(frags),
				frags[len(frags)-1].Kind(), c.Materializer().ChainSize(frags))
		}
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump [pid]",
	Short: "Print a page's chain and its materialized contents",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		pid := parsePid(args[0])
		c := openCache()
		defer c.Close()
		g := c.Pin()
		defer g.Unpin()

		p, err := c.Get(g, pid)
		if err != nil {
			log.Fatalf("Error reading %s: %v", pid, err)
		}
		for i, f := range p.View.Frags() {
			fmt.Printf("  [%d] %s\n", i, describe(f))
		}

		if err := page.CatchInvariant(func() { dumpNode(p.View) }); err != nil {
			log.Fatalf("Page %s is corrupt: %v", pid, err)
		}

		if lsn, ok, err := c.StableLsn(g, pid); err == nil && ok {
			fmt.Printf("stable lsn: %d\n", lsn)
		}
		frag, ok, err := c.Checkpointed(pid)
		if err != nil {
			log.Fatalf("Error reading checkpoint of %s: %v", pid, err)
		}
		if ok {
			fmt.Printf("checkpointed: %s\n", describe(frag))
		}
	},
}

func describe(f page.Frag) string {
	switch f := f.(type) {
	case page.Set:
		return fmt.Sprintf("Set %q=%q", f.Key.Bytes(), f.Value.Bytes())
	case page.Del:
		return fmt.Sprintf("Del %q", f.Key.Bytes())
	case page.Merge:
		return fmt.Sprintf("Merge %q+%q", f.Key.Bytes(), f.Operand.Bytes())
	case page.ChildSplit:
		return fmt.Sprintf("ChildSplit at=%q to=%s", f.At.Bytes(), f.To)
	case page.ParentSplit:
		return fmt.Sprintf("ParentSplit at=%q to=%s", f.At.Bytes(), f.To)
	case page.Base:
		return fmt.Sprintf("Base lo=%q hi=%q next=%s entries=%d", f.Node.Lo.Bytes(), f.Node.Hi.Bytes(), f.Node.Next, f.Node.Data.Len())
	case page.Counter:
		return fmt.Sprintf("Counter %d", uint64(f))
	case page.Meta:
		return fmt.Sprintf("Meta store=%s roots=%v", f.StoreID, f.Roots)
	case page.Versions:
		return fmt.Sprintf("Versions %v", f.Stable)
	default:
		return f.Kind().String()
	}
}

func dumpNode(v *page.View) {
	if _, ok := v.Frags()[len(v.Frags())-1].(page.Base); !ok {
		return
	}
	data := v.Data()
	fmt.Printf("lo=%q hi=%q next=%s index=%v\n", v.Lo(), v.Hi(), v.Next(), data.IsIndex())
	if ptrs, ok := data.Index(); ok {
		for _, ptr := range ptrs {
			fmt.Printf("  %q -> %s\n", page.PrefixDecode(v.Lo(), ptr.Sep.Bytes()), ptr.Child)
		}
		return
	}
	records, _ := data.Leaf()
	for _, r := range records {
		fmt.Printf("  %q = %q\n", page.PrefixDecode(v.Lo(), r.Key.Bytes()), r.Value.Bytes())
	}
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Materialize every page and report broken chains",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c := openCache()
		defer c.Close()
		g := c.Pin()
		defer g.Unpin()

		bad := 0
		for _, pid := range c.PageIDs() {
			p, err := c.Get(g, pid)
			if err != nil {
				log.Fatalf("Error reading %s: %v", pid, err)
			}
			err = page.CatchInvariant(func() { c.Materializer().Merge(p.View.Frags()) })
			if err != nil {
				bad++
				fmt.Printf("%s: %v\n", pid, err)
			}
		}
		if bad > 0 {
			fmt.Printf("%d of %d pages failed.\n", bad, len(c.PageIDs()))
			os.Exit(1)
		}
		fmt.Printf("All %d pages OK.\n", len(c.PageIDs()))
	},
}

var putCmd = &cobra.Command{
	Use:   "put [key] [value]",
	Short: "Set a key in the default tree",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		c := openCache()
		defer c.Close()
		if err := put(c, defaultTree, []byte(args[0]), []byte(args[1])); err != nil {
			log.Fatalf("Error setting '%s': %v", args[0], err)
		}
		fmt.Printf("Set '%s'.\n", args[0])
	},
}

var delCmd = &cobra.Command{
	Use:   "del [key]",
	Short: "Delete a key from the default tree",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := openCache()
		defer c.Close()
		if err := del(c, defaultTree, []byte(args[0])); err != nil {
			log.Fatalf("Error deleting '%s': %v", args[0], err)
		}
		fmt.Printf("Deleted '%s'.\n", args[0])
	},
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Look a key up in the default tree",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := openCache()
		defer c.Close()
		g := c.Pin()
		defer g.Unpin()

		meta, err := c.Meta(g)
		if err != nil {
			log.Fatalf("Error reading meta: %v", err)
		}
		root, ok := meta.Roots[defaultTree]
		if !ok {
			fmt.Println("(empty)")
			return
		}
		val, found, err := c.Find(g, root, []byte(args[0]))
		if err != nil {
			log.Fatalf("Error finding '%s': %v", args[0], err)
		}
		if !found {
			fmt.Println("(nil)")
			return
		}
		fmt.Printf("%s\n", val)
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Write compacted pages to the snapshot store and truncate the frag log",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c := openCache()
		defer c.Close()
		if err := c.Checkpoint(); err != nil {
			log.Fatalf("Error checkpointing: %v", err)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default configs/linkdb.yaml or linkdb.yaml)")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(pagesCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(delCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing linkctl: %v\n", err)
		os.Exit(1)
	}
}
