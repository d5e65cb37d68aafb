package validation

import "testing"

func TestValidateE164(t *testing.T) {
	valid := []string{
		"+919876543210",
		"+14155552671",
		"+442071838750",
	}
	for _, phone := range valid {
		if err := ValidateE164(phone); err != nil {
			t.Errorf("ValidateE164(%q): unexpected error %v", phone, err)
		}
	}

	invalid := []string{
		"",
		"9876543210",
		"+0123456789",
		"+91 98765 43210",
		"not-a-phone",
		"+1",
	}
	for _, phone := range invalid {
		if err := ValidateE164(phone); err == nil {
			t.Errorf("ValidateE164(%q): expected error, got nil", phone)
		}
	}
}

func TestNormalizeE164(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"already normalized", "+919876543210", "+919876543210", false},
		{"bare 10 digit gets india code", "9876543210", "+919876543210", false},
		{"91 prefixed without plus", "919876543210", "+919876543210", false},
		{"spaces and dashes stripped", "+91 98765-43210", "+919876543210", false},
		{"parens stripped", "+1 (415) 555-2671", "+14155552671", false},
		{"too short", "12345", "", true},
		{"empty", "", "", true},
		{"letters", "abcdefghij", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeE164(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("NormalizeE164(%q): expected error, got %q", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeE164(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeE164(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
