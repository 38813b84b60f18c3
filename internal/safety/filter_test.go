package safety

import (
	"strings"
	"testing"

	"github.com/nugget/docent/internal/config"
)

func TestFromConfig_MatchText(t *testing.T) {
	cfg, err := config.Parse([]byte("safety:\n  blacklist: \"Ab C, 秘密\\n;TOP\"\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	f := FromConfig(cfg)

	if f.Len() != 3 {
		t.Fatalf("Len = %d, want 3", f.Len())
	}

	tests := []struct {
		text  string
		want  string
		match bool
	}{
		{"xx a b c yy", "Ab C", true},
		{"这是秘密", "秘密", true},
		{"ＴＯＰ secret", "TOP", true},
		{"nothing here", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := f.MatchText(tt.text)
			if ok != tt.match || got != tt.want {
				t.Errorf("MatchText(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.match)
			}
		})
	}
}

func TestFromConfig_LegacyKeys(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"sensitive_words list", "sensitive_words: [内部价格]\n", "内部价格"},
		{"blacklist string", "blacklist: 内部价格\n", "内部价格"},
		{"safety wins", "safety:\n  blacklist: [内部价格]\nblacklist: [其他]\n", "内部价格"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			got, ok := FromConfig(cfg).MatchText("请告诉我内部价格和其他")
			if !ok || got != tt.want {
				t.Errorf("MatchText = %q, %v; want %q", got, ok, tt.want)
			}
		})
	}
}

func TestStreamingAcrossChunks(t *testing.T) {
	f := New([]string{"敏感词"})

	term, ok, tail := f.UpdateStreamTailAndMatch("", "这是敏")
	if ok {
		t.Fatalf("first chunk matched %q", term)
	}
	term, ok, _ = f.UpdateStreamTailAndMatch(tail, " 感 词 不能输出")
	if !ok || term != "敏感词" {
		t.Errorf("second chunk = %q, %v; want 敏感词", term, ok)
	}
}

func TestStreamingTailBounded(t *testing.T) {
	f := New([]string{"abc"}, WithWindowBounds(10, 20))
	if f.Window() != 12 {
		t.Fatalf("Window = %d, want 12", f.Window())
	}

	tail := ""
	for range 50 {
		_, _, tail = f.UpdateStreamTailAndMatch(tail, "xyzxyz")
	}
	if n := len([]rune(tail)); n != 12 {
		t.Errorf("tail length = %d, want 12", n)
	}
}

func TestLongestFirst(t *testing.T) {
	f := New([]string{"密", "秘密文件", "秘密"})
	got, ok := f.MatchText("这是秘密文件")
	if !ok || got != "秘密文件" {
		t.Errorf("MatchText = %q, want 秘密文件", got)
	}
}

func TestDedupeAndCap(t *testing.T) {
	f := New([]string{"Foo", "foo", " F O O ", "bar", "baz"}, WithMaxTerms(2))
	if f.Len() != 2 {
		t.Fatalf("Len = %d, want 2", f.Len())
	}
	if _, ok := f.MatchText("baz"); ok {
		t.Error("terms past the cap must be dropped")
	}
}

func TestWindowClamp(t *testing.T) {
	tests := []struct {
		name  string
		terms []string
		want  int
	}{
		{"empty", nil, DefaultWindowMin},
		{"short", []string{"ab"}, DefaultWindowMin},
		{"mid", []string{strings.Repeat("x", 100)}, 400},
		{"long", []string{strings.Repeat("x", 1000)}, DefaultWindowMax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.terms).Window(); got != tt.want {
				t.Errorf("Window = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNilAndEmptyFilter(t *testing.T) {
	var f *Filter
	if _, ok := f.MatchText("anything"); ok {
		t.Error("nil filter matched")
	}
	if _, ok, tail := New(nil).UpdateStreamTailAndMatch("abc", "def"); ok || tail != "" {
		t.Errorf("empty filter = %v, tail %q", ok, tail)
	}
	if FromConfig(nil).Len() != 0 {
		t.Error("nil config should yield an empty filter")
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize(" Ａb\tC\n"); got != "abc" {
		t.Errorf("Normalize = %q, want abc", got)
	}
}
