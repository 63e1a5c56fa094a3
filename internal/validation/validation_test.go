package validation

import "testing"

func TestIsValidPhone(t *testing.T) {
	tests := []struct {
		phone string
		want  bool
	}{
		{"254712345678", true},
		{"254112345678", true},
		{"254812345678", false}, // bad prefix
		{"25471234567", false},  // too short
		{"2547123456789", false},
		{"0712345678", false}, // needs 254 form
		{"", false},
		{"+254712345678", false}, // sanitize first
	}
	for _, tt := range tests {
		if got := IsValidPhone(tt.phone); got != tt.want {
			t.Errorf("IsValidPhone(%q) = %v, want %v", tt.phone, got, tt.want)
		}
	}
}

func TestSanitizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0712345678", "254712345678"},
		{"0112345678", "254112345678"},
		{"+254712345678", "254712345678"},
		{" 254712345678 ", "254712345678"},
		{"254712345678", "254712345678"},
	}
	for _, tt := range tests {
		if got := SanitizePhone(tt.in); got != tt.want {
			t.Errorf("SanitizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsValidBankAccount(t *testing.T) {
	if !IsValidBankAccount("01234567890") {
		t.Error("11-digit account should be valid")
	}
	if IsValidBankAccount("1234567") {
		t.Error("7-digit account should be invalid")
	}
	if IsValidBankAccount("12345678abc") {
		t.Error("letters should be invalid")
	}
}

func TestIsValidRequestID(t *testing.T) {
	if !IsValidRequestID("dep-2024-0001_a") {
		t.Error("expected valid request ID")
	}
	if IsValidRequestID("") {
		t.Error("empty ID should be invalid")
	}
	if IsValidRequestID("has spaces") {
		t.Error("spaces should be invalid")
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value   string
		wantErr bool
	}{
		{"100", false},
		{"100.50", false},
		{"0.01", false},
		{"0", true},
		{"0.00", true},
		{"-5", true},
		{"1.2.3", true},
		{"1.005", true},
		{".5", true},
		{"5.", true},
		{"abc", true},
		{"", true}, // a request without an amount must not move money
	}
	for _, tt := range tests {
		err := ValidAmount("amount", tt.value)()
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidAmount(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
		}
	}
}

func TestValidRail(t *testing.T) {
	if err := ValidRail("rail", "mobile_money")(); err != nil {
		t.Errorf("mobile_money should be valid: %v", err)
	}
	if err := ValidRail("rail", "bank")(); err != nil {
		t.Errorf("bank should be valid: %v", err)
	}
	if err := ValidRail("rail", "crypto")(); err == nil {
		t.Error("crypto should be invalid")
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("userId", ""),
		ValidPhone("phone", "123"),
		ValidAmount("amount", "0"),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Error("expected non-empty error string")
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("got %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("got %q", got)
	}
}
