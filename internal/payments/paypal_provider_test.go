package payments

import "testing"

func TestParseMoneyValue(t *testing.T) {
	tests := []struct {
		value string
		want  int64
	}{
		{"10.00", 1000},
		{"0.50", 50},
		{"7", 700},
		{"1.5", 150},
		{"1.999", 199},
		{"-2.35", -235},
		{"-0.50", -50},
		{"-0.01", -1},
		{" -3.00 ", -300},
		{"0", 0},
		{"", 0},
	}

	for _, tc := range tests {
		if got := parseMoneyValue(tc.value); got != tc.want {
			t.Errorf("parseMoneyValue(%q) = %d, want %d", tc.value, got, tc.want)
		}
	}
}
