package auth

import (
	"strings"
	"testing"
)

func TestSafeReturnTo(t *testing.T) {
	allowed := []string{"chat.example.com"}

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "/"},
		{"plain path", "/chat", "/chat"},
		{"path with query", "/chat?tab=open", "/chat?tab=open"},
		{"root", "/", "/"},
		{"dot segments collapse", "/a/../b", "/b"},
		{"traversal stays relative", "/../../etc/passwd", "/etc/passwd"},
		{"protocol relative", "//evil.com/x", "/"},
		{"backslash trick", "/\\evil.com", "/"},
		{"newline", "/chat\r\nSet-Cookie: x", "/"},
		{"nul byte", "/chat\x00", "/"},
		{"absolute to allowed host", "https://chat.example.com/inbox", "https://chat.example.com/inbox"},
		{"absolute to allowed host mixed case", "https://Chat.Example.COM/inbox", "https://Chat.Example.COM/inbox"},
		{"absolute to unknown host", "https://evil.com/", "/"},
		{"http downgrade", "http://chat.example.com/", "/"},
		{"javascript scheme", "javascript:alert(1)", "/"},
		{"bare host", "evil.com/x", "/"},
		{"overlong", "/" + strings.Repeat("a", 2000), "/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SafeReturnTo(tc.in, allowed); got != tc.want {
				t.Errorf("SafeReturnTo(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSafeReturnToNoAllowedHosts(t *testing.T) {
	if got := SafeReturnTo("https://anything.example.com/", nil); got != "/" {
		t.Fatalf("got %q, want /", got)
	}
	if got := SafeReturnTo("/still/fine", nil); got != "/still/fine" {
		t.Fatalf("relative path rejected: %q", got)
	}
}
