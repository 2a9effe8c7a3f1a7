package utils

import "testing"

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{0, "0s"},
		{45_000, "45s"},
		{330_000, "5m30s"},
		{5_025_000, "1h23m45s"},
	}

	for _, tt := range tests {
		if got := FormatDuration(tt.ms); got != tt.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}

func TestMaskEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice@example.com", "a***@example.com"},
		{"a@example.com", "a***@example.com"},
		{"not-an-email", "***"},
		{"", "***"},
	}

	for _, tt := range tests {
		if got := MaskEmail(tt.in); got != tt.want {
			t.Errorf("MaskEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestContainsAny(t *testing.T) {
	if !ContainsAny("token has been expired or revoked", "invalid_grant", "revoked") {
		t.Error("expected match on revoked")
	}
	if ContainsAny("all good", "invalid_grant", "revoked") {
		t.Error("unexpected match")
	}
	if ContainsAny("anything") {
		t.Error("no substrings should never match")
	}
}

func TestCoalesceString(t *testing.T) {
	if got := CoalesceString("", "", "third"); got != "third" {
		t.Errorf("got %q", got)
	}
	if got := CoalesceString(); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(5, 10, 20); got != 10 {
		t.Errorf("below range: got %d", got)
	}
	if got := Clamp(25, 10, 20); got != 20 {
		t.Errorf("above range: got %d", got)
	}
	if got := Clamp(15, 10, 20); got != 15 {
		t.Errorf("in range: got %d", got)
	}
}

func TestGenerateJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		j := GenerateJitter(10_000)
		if j < -5_000 || j > 5_000 {
			t.Fatalf("jitter %d outside [-5000, 5000]", j)
		}
		p := GenerateJitterPositive(10_000)
		if p < 0 || p > 10_000 {
			t.Fatalf("positive jitter %d outside [0, 10000]", p)
		}
	}
}

func TestFormatPercent(t *testing.T) {
	if got := FormatPercent(0.75); got != "75%" {
		t.Errorf("got %q", got)
	}
	if got := FormatPercent(0); got != "0%" {
		t.Errorf("got %q", got)
	}
}
