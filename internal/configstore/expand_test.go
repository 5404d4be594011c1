package configstore

import "testing"

func TestEscapeDollars(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no escapes", `ref = "$IMAGE"`, `ref = "$IMAGE"`},
		{"basic", `a = "x\$Y"`, `a = "x\\$Y"`},
		{"multiline basic", "a = \"\"\"\nx\\$Y\n\"\"\"", "a = \"\"\"\nx\\\\$Y\n\"\"\""},
		{"literal untouched", `a = 'x\$Y'`, `a = 'x\$Y'`},
		{"comment untouched", "# use \\$HOME\na = \"\\$H\"", "# use \\$HOME\na = \"\\\\$H\""},
		{"escaped quote stays inside string", `a = "q\"\$Z"`, `a = "q\"\\$Z"`},
		{"already doubled", `a = "\\$Z"`, `a = "\\$Z"`},
	}
	for _, tt := range tests {
		if got := string(escapeDollars([]byte(tt.in))); got != tt.want {
			t.Errorf("%s: got %q want %q", tt.name, got, tt.want)
		}
	}
}

func TestExpandEnv(t *testing.T) {
	lockEnv(t)
	testSetEnv(t, "BERTH_TEST_REGION", "eu")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"$BERTH_TEST_REGION-1", "eu-1"},
		{"${BERTH_TEST_REGION}x", "eux"},
		{`\$BERTH_TEST_REGION`, "$BERTH_TEST_REGION"},
		{`cost \$5 in ${BERTH_TEST_REGION}`, "cost $5 in eu"},
	}
	for _, tt := range tests {
		if got := expandEnv(tt.in); got != tt.want {
			t.Errorf("expandEnv(%q) = %q want %q", tt.in, got, tt.want)
		}
	}
}
