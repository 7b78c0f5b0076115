package page

import (
	"bytes"
	"strings"
	"testing"
)

func sign(x int) int {
	switch {
	case x < 0:
		return -1
	case x > 0:
		return 1
	}
	return 0
}

func TestPrefixRoundTrip(t *testing.T) {
	prefix := []byte("user:")
	for _, key := range []string{"user:", "user:1", "user:20", "v", "usez", "user:a-much-longer-key-than-cutoff"} {
		enc := PrefixEncode(prefix, []byte(key))
		if got := PrefixDecode(prefix, enc.Bytes()); string(got) != key {
			t.Fatalf("decode(encode(%q)) = %q", key, got)
		}
	}
	if enc := PrefixEncode(prefix, []byte("user:20")); !bytes.Equal(enc.Bytes(), []byte{5, '2', '0'}) {
		t.Fatalf("unexpected encoding %v", enc.Bytes())
	}
}

func TestPrefixOrderingMatchesDecoded(t *testing.T) {
	long := strings.Repeat("k", 300)
	cases := []struct {
		prefix string
		keys   []string
	}{
		{"abc", []string{"abc", "abca", "abcd", "abd", "abz", "b", "abcdefghijklmnopqrst"}},
		// shared length is capped at 255 bytes
		{long, []string{
			long, long + "a", long + "b", long[:280] + "z",
			long[:256] + "z", long[:255] + "z", long[:254] + "z", "l",
		}},
	}
	for _, tc := range cases {
		prefix := []byte(tc.prefix)
		for _, x := range tc.keys {
			ex := PrefixEncode(prefix, []byte(x)).Bytes()
			if got := PrefixDecode(prefix, ex); string(got) != x {
				t.Fatalf("decode(encode(%.8q...)) lost bytes: %d vs %d", x, len(got), len(x))
			}
			for _, y := range tc.keys {
				ey := PrefixEncode(prefix, []byte(y)).Bytes()
				want := sign(bytes.Compare([]byte(x), []byte(y)))
				if got := sign(PrefixCmp(ex, ey)); got != want {
					t.Errorf("PrefixCmp(len %d, len %d) = %d, want %d", len(x), len(y), got, want)
				}
				if got := sign(PrefixCmpEncoded(ex, []byte(y), prefix)); got != want {
					t.Errorf("PrefixCmpEncoded(len %d, len %d) = %d, want %d", len(x), len(y), got, want)
				}
			}
		}
	}
	if enc := PrefixEncode([]byte(long), []byte(long+"a")).Bytes(); enc[0] != 255 || len(enc) != 1+46 {
		t.Fatalf("capped encoding: shared=%d len=%d", enc[0], len(enc))
	}
}

func TestPrefixCmpEncodedShortRaw(t *testing.T) {
	prefix := []byte("abcdef")
	enc := PrefixEncode(prefix, []byte("abcdefg")).Bytes()
	if PrefixCmpEncoded(enc, []byte("abc"), prefix) <= 0 {
		t.Fatal("abcdefg should sort after abc")
	}
	if PrefixCmpEncoded(enc, []byte("abcdz"), prefix) >= 0 {
		t.Fatal("abcdefg should sort before abcdz")
	}
}
