package runner

import "testing"

func TestSize_String(t *testing.T) {
	tests := []struct {
		s    Size
		want string
	}{
		{100, "100 B"},
		{1 << 10, "1.0 KiB"},
		{5 << 20, "5.0 MiB"},
		{2 << 30, "2.0 GiB"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Size(%d).String() = %q, want %q", uint64(tt.s), got, tt.want)
		}
	}
}

func TestSize_Set(t *testing.T) {
	tests := []struct {
		in   string
		want Size
	}{
		{"100", 100},
		{"1k", 1 << 10},
		{"2M", 2 << 20},
		{"1g", 1 << 30},
		{"10kb", 10 << 10},
	}
	for _, tt := range tests {
		var s Size
		if err := s.Set(tt.in); err != nil {
			t.Fatalf("Set(%q) error: %v", tt.in, err)
		}
		if s != tt.want {
			t.Errorf("Set(%q) = %d, want %d", tt.in, uint64(s), uint64(tt.want))
		}
	}
}

func TestSize_Set_Invalid(t *testing.T) {
	var s Size
	if err := s.Set("abc"); err == nil {
		t.Error("expected error for invalid size")
	}
}

func TestStatus_String(t *testing.T) {
	if StatusTimeLimitExceeded.String() != "Time Limit Exceeded" {
		t.Errorf("unexpected status string %q", StatusTimeLimitExceeded.String())
	}
	if Status(100).String() != "Invalid" {
		t.Errorf("out of range status should be invalid")
	}
}
