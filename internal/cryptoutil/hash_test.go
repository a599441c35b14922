package cryptoutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func hexSum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func TestIsSHA256Hex(t *testing.T) {
	valid := hexSum([]byte("release"))
	cases := []struct {
		in   string
		want bool
	}{
		{valid, true},
		{strings.ToUpper(valid), false},
		{valid[:63], false},
		{valid + "0", false},
		{strings.Repeat("g", 64), false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsSHA256Hex(tc.in); got != tc.want {
			t.Errorf("IsSHA256Hex(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCopyWithSHA256(t *testing.T) {
	release := `{"collection":"bus_stops","key":"83139"}` + "\n"
	var dst bytes.Buffer
	n, sum, err := CopyWithSHA256(&dst, strings.NewReader(release))
	if err != nil {
		t.Fatalf("CopyWithSHA256: %v", err)
	}
	if n != int64(len(release)) || dst.String() != release {
		t.Fatalf("copied %d bytes %q", n, dst.String())
	}
	if sum != hexSum([]byte(release)) {
		t.Fatalf("sum = %q", sum)
	}
	if !IsSHA256Hex(sum) {
		t.Fatalf("sum %q is not a digest the release pointer would accept", sum)
	}
}

func TestCopyWithSHA256_ReadError(t *testing.T) {
	_, sum, err := CopyWithSHA256(io.Discard, iotest.ErrReader(errors.New("reset")))
	if err == nil {
		t.Fatal("expected read error")
	}
	if sum != "" {
		t.Fatalf("sum = %q on error, want empty", sum)
	}
}

func TestHashEqual(t *testing.T) {
	a, b := hexSum([]byte("core")), hexSum([]byte("route_paths"))
	cases := []struct {
		x, y string
		want bool
	}{
		{a, a, true},
		{a, b, false},
		{a, strings.ToUpper(a), false},
		{a, a[:32], false},
		{"", "", true},
		{a, "", false},
	}
	for _, tc := range cases {
		if got := HashEqual(tc.x, tc.y); got != tc.want {
			t.Errorf("HashEqual(%q, %q) = %v, want %v", tc.x, tc.y, got, tc.want)
		}
	}
}

func FuzzCopyWithSHA256(f *testing.F) {
	f.Add([]byte(""))
	f.Add([]byte(`{"collection":"mrt_stations"}`))
	f.Add([]byte{0x1f, 0x8b, 0x08})

	f.Fuzz(func(t *testing.T, data []byte) {
		var dst bytes.Buffer
		n, sum, err := CopyWithSHA256(&dst, bytes.NewReader(data))
		if err != nil {
			t.Fatal(err)
		}
		if n != int64(len(data)) || !bytes.Equal(dst.Bytes(), data) {
			t.Fatal("copy altered the data")
		}
		if sum != hexSum(data) || !IsSHA256Hex(sum) {
			t.Fatalf("sum = %q", sum)
		}
	})
}
