package registry

import "testing"

func TestSanitizeToolName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"get_weather", "get_weather"},
		{"web.search", "web.search"},
		{"my-tool", "my-tool"},
		{"my tool", "my_tool"},
		{"fetch/url", "fetch_url"},
		{"9lives", "_9lives"},
		{"-dash", "_-dash"},
		{"", "tool"},
		{"  ", "tool"},
	}
	for _, c := range cases {
		if got := SanitizeToolName(c.in); got != c.want {
			t.Errorf("SanitizeToolName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSanitizeToolNameTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	got := SanitizeToolName(long)
	if len(got) != 63 {
		t.Fatalf("expected 63 chars, got %d", len(got))
	}
}

func TestToolNameRegistryRoundTrip(t *testing.T) {
	r := NewToolNameRegistry()

	sanitized := r.Sanitize("gemini-2.5-pro", "mcp/read file")
	if sanitized != "mcp_read_file" {
		t.Fatalf("unexpected sanitized name %q", sanitized)
	}
	if got := r.Lookup("gemini-2.5-pro", sanitized); got != "mcp/read file" {
		t.Errorf("Lookup returned %q, want original name", got)
	}

	// A different model has no mapping, so the sanitized name passes through.
	if got := r.Lookup("gemini-2.5-flash", sanitized); got != sanitized {
		t.Errorf("Lookup for unmapped model returned %q", got)
	}
}

func TestToolNameRegistrySafeNamesNotRecorded(t *testing.T) {
	r := NewToolNameRegistry()
	if got := r.Sanitize("gemini-2.5-pro", "get_weather"); got != "get_weather" {
		t.Fatalf("safe name rewritten to %q", got)
	}
	r.mu.Lock()
	n := len(r.original)
	r.mu.Unlock()
	if n != 0 {
		t.Errorf("expected no recorded mappings, got %d", n)
	}
}
