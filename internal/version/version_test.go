package version_test

import (
	"testing"

	v "github.com/keithlinneman/transit-web/internal/version"
)

func TestGet_AppName(t *testing.T) {
	if got := v.Get().AppName; got != v.AppName {
		t.Fatalf("AppName = %q, want %q", got, v.AppName)
	}
}

func TestVCSDirty_LdflagsWin(t *testing.T) {
	prev := v.VCSDirty
	defer func() { v.VCSDirty = prev }()

	dirty := true
	v.VCSDirty = &dirty
	info := v.Get()
	if info.VCSDirty == nil || !*info.VCSDirty {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}
}

func TestReleased(t *testing.T) {
	cases := []struct {
		info v.Info
		want bool
	}{
		{v.Info{Version: "dev"}, false},
		{v.Info{Version: "1.2.0"}, false},
		{v.Info{Version: "1.2.0", BuildId: "b-42"}, true},
	}
	for _, c := range cases {
		if got := c.info.Released(); got != c.want {
			t.Errorf("Released(%+v) = %v, want %v", c.info, got, c.want)
		}
	}
}
