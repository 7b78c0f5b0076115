package storage

import (
	"io"
	"linkdb/pkg/common"
	"linkdb/pkg/ivec"
	"linkdb/pkg/page"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestFragLogAppendIterateAndTruncate(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "frags.log")
	l, err := OpenFragLog(logPath, 1)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer l.Close()

	lsn1, err := l.Append(OpAppend, 3, page.Set{Key: ivec.FromString("a"), Value: ivec.FromString("one")})
	if err != nil {
		t.Fatalf("append set: %v", err)
	}
	lsn2, err := l.Append(OpReplace, 0, page.Counter(42))
	if err != nil {
		t.Fatalf("append counter: %v", err)
	}
	if lsn2 <= lsn1 {
		t.Fatalf("lsns not increasing: %d then %d", lsn1, lsn2)
	}

	sizeBefore, err := l.Size()
	if err != nil {
		t.Fatalf("size before truncate: %v", err)
	}
	if sizeBefore <= 0 {
		t.Fatalf("expected log size > 0 before truncate, got %d", sizeBefore)
	}

	it, err := l.NewIterator()
	if err != nil {
		t.Fatalf("new iterator: %v", err)
	}
	rec1, err := it.Next()
	if err != nil {
		it.Close()
		t.Fatalf("first next: %v", err)
	}
	rec2, err := it.Next()
	if err != nil {
		it.Close()
		t.Fatalf("second next: %v", err)
	}
	if _, err := it.Next(); err != io.EOF {
		it.Close()
		t.Fatalf("expected EOF after two records, got %v", err)
	}
	it.Close()

	set, ok := rec1.Frag.(page.Set)
	if !ok || rec1.Page != 3 || rec1.Op != OpAppend || rec1.Lsn != lsn1 || set.Value.String() != "one" {
		t.Fatalf("unexpected first record: %+v", rec1)
	}
	if rec2.Frag != page.Counter(42) || rec2.Lsn != lsn2 || rec2.Op != OpReplace {
		t.Fatalf("unexpected second record: %+v", rec2)
	}

	if err := l.Truncate(); err != nil {
		t.Fatalf("truncate log: %v", err)
	}
	sizeAfter, err := l.Size()
	if err != nil {
		t.Fatalf("size after truncate: %v", err)
	}
	if sizeAfter != 0 {
		t.Fatalf("expected log size 0 after truncate, got %d", sizeAfter)
	}
	if l.NextLsn() != lsn2+1 {
		t.Fatalf("numbering reset by truncate: next=%d", l.NextLsn())
	}
}

func TestFragLogResumesNumbering(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "frags.log")
	l, err := OpenFragLog(logPath, 0)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Append(OpAppend, 1, page.Counter(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	l.Close()

	l, err = OpenFragLog(logPath, 0)
	if err != nil {
		t.Fatalf("reopen log: %v", err)
	}
	defer l.Close()
	if l.NextLsn() != 4 {
		t.Fatalf("next lsn after reopen = %d", l.NextLsn())
	}
	l.Advance(100)
	l.Advance(50)
	if l.NextLsn() != 100 {
		t.Fatalf("advance should only move forward, next=%d", l.NextLsn())
	}
}

func TestFragLogDetectsCorruption(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "frags.log")
	l, err := OpenFragLog(logPath, 0)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := l.Append(OpAppend, 1, page.Del{Key: ivec.FromString("gone")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	l.Close()

	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	if err := os.WriteFile(logPath, raw, 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	it, err := openIterator(logPath)
	if err != nil {
		t.Fatalf("iterator: %v", err)
	}
	_, err = it.Next()
	it.Close()
	if !errors.Is(err, ErrCRCMismatch) {
		t.Fatalf("expected crc error, got %v", err)
	}

	// reopening drops the corrupt record
	l, err = OpenFragLog(logPath, 0)
	if err != nil {
		t.Fatalf("reopen log: %v", err)
	}
	defer l.Close()
	if size, _ := l.Size(); size != 0 {
		t.Fatalf("log size after reopen = %d, want 0", size)
	}
	if l.NextLsn() != 1 {
		t.Fatalf("next lsn = %d, want 1", l.NextLsn())
	}
}

func TestFragLogAppendsAfterTornTail(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "frags.log")
	l, err := OpenFragLog(logPath, 0)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if _, err := l.Append(OpAppend, 1, page.Counter(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	l.Close()

	// a crash in the middle of the third append
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	f.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x01})
	f.Close()

	l, err = OpenFragLog(logPath, 0)
	if err != nil {
		t.Fatalf("reopen log: %v", err)
	}
	if l.NextLsn() != 3 {
		t.Fatalf("next lsn = %d, want 3", l.NextLsn())
	}
	if _, err := l.Append(OpAppend, 1, page.Counter(3)); err != nil {
		t.Fatalf("append after torn tail: %v", err)
	}
	l.Close()

	l, err = OpenFragLog(logPath, 0)
	if err != nil {
		t.Fatalf("second reopen: %v", err)
	}
	defer l.Close()
	it, err := l.NewIterator()
	if err != nil {
		t.Fatalf("iterator: %v", err)
	}
	defer it.Close()
	for want := 1; want <= 3; want++ {
		rec, err := it.Next()
		if err != nil {
			t.Fatalf("record %d: %v", want, err)
		}
		if rec.Lsn != common.Lsn(want) || rec.Frag != page.Counter(want) {
			t.Fatalf("record %d = %+v", want, rec)
		}
	}
	if _, err := it.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}
