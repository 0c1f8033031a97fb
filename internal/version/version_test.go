package version

import "testing"

func TestGet(t *testing.T) {
	if Get() == "" {
		t.Fatal("embedded version is empty")
	}

	Override = " v9.9.9\n"
	defer func() { Override = "" }()
	if got := Get(); got != "v9.9.9" {
		t.Errorf("Get() = %q, want v9.9.9", got)
	}
}
