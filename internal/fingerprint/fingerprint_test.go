package fingerprint

import "testing"

func TestComputeIgnoresWhitespaceNoise(t *testing.T) {
	base := Compute("proj_a", "Buy milk\nand eggs")
	variants := []string{
		"  Buy milk\nand eggs  ",
		"Buy milk\r\nand eggs",
		"Buy   milk\n\n\tand eggs\n",
		"Buy milk and eggs",
	}
	for _, variant := range variants {
		if got := Compute("proj_a", variant); got != base {
			t.Fatalf("expected %q to fingerprint as %s, got %s", variant, base, got)
		}
	}
}

func TestComputeIgnoresUnicodeEncoding(t *testing.T) {
	composed := Compute("proj_a", "caf\u00e9")
	decomposed := Compute("proj_a", "cafe\u0301")
	if composed != decomposed {
		t.Fatalf("expected NFC and NFD forms to match: %s vs %s", composed, decomposed)
	}
}

func TestComputeChangesWithSemanticContent(t *testing.T) {
	a := Compute("proj_a", "Buy milk")
	b := Compute("proj_a", "Buy oat milk")
	if a == b {
		t.Fatalf("expected different content to produce different fingerprints")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
}

func TestComputeScopedByProject(t *testing.T) {
	if Compute("proj_a", "same") == Compute("proj_b", "same") {
		t.Fatalf("expected project id to be part of the fingerprint")
	}
}

func TestComputeDeterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		if Compute("p", "x y") != Compute("p", "x y") {
			t.Fatalf("expected deterministic output")
		}
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"":                "",
		"   ":             "",
		"a\n\nb":          "a b",
		"\ta  b \r\n c\n": "a b c",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestShort(t *testing.T) {
	fp := Compute("p", "content")
	if len(fp.Short()) != 12 {
		t.Fatalf("expected 12 char short form, got %q", fp.Short())
	}
	if Fingerprint("abc").Short() != "abc" {
		t.Fatalf("expected short fingerprints to pass through")
	}
}
