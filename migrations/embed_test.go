// SPDX-License-Identifier: Apache-2.0

package migrations

import "testing"

func TestOrdered(t *testing.T) {
	files, err := Ordered()
	if err != nil {
		t.Fatalf("Ordered: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("expected at least one embedded migration")
	}

	prev := 0
	for _, file := range files {
		if file.Version <= prev {
			t.Fatalf("migrations out of order: %s after version %d", file.Name, prev)
		}
		if file.SQL == "" {
			t.Fatalf("migration %s is empty", file.Name)
		}
		prev = file.Version
	}
}

func TestParseVersion(t *testing.T) {
	if v, err := parseVersion("0001_initial.sql"); err != nil || v != 1 {
		t.Fatalf("expected version 1, got %d (%v)", v, err)
	}
	for _, name := range []string{"initial.sql", "x_initial.sql", "0000_zero.sql"} {
		if _, err := parseVersion(name); err == nil {
			t.Fatalf("expected error for %s", name)
		}
	}
}
