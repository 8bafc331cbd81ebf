package worldpath

import "testing"

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/artifacts/t/run-1/", "/artifacts/t/run-1/", false},
		{"/Artifacts/T/Run-1/", "/artifacts/t/run-1/", false},
		{"/artifacts//double//slash/", "/artifacts/double/slash/", false},
		{"/streams/s1/chunk", "/streams/s1/chunk", false},
		{"/artifacts/a%20b/", "/artifacts/a b/", false},
		{"/artifacts/../etc/", "", true},
		{"/artifacts/./x/", "", true},
		{"/etc/passwd", "", true},
		{"relative/path", "", true},
		{"/artifacts/a%2Fb/", "", true},
		{"", "", true},
	}
	for _, c := range cases {
		got, err := Canonicalize(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("Canonicalize(%q) should fail, got %q", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Canonicalize(%q) failed: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestExpandPrefix_SubstitutesOnce(t *testing.T) {
	got, err := ExpandPrefix("/artifacts/t/{execution_id}/", "exec-1")
	if err != nil {
		t.Fatalf("ExpandPrefix failed: %v", err)
	}
	if got != "/artifacts/t/exec-1/" {
		t.Errorf("ExpandPrefix = %q", got)
	}
	// Idempotence: expanding the expanded prefix changes nothing.
	again, err := ExpandPrefix(got, "exec-1")
	if err != nil {
		t.Fatalf("second ExpandPrefix failed: %v", err)
	}
	if again != got {
		t.Errorf("expansion not idempotent: %q != %q", again, got)
	}
}

func TestExpandPrefix_Rejections(t *testing.T) {
	cases := []string{
		"/artifacts/../etc/",              // traversal
		"/artifacts/t/{execution_id}",     // no trailing slash
		"/streams/t/{execution_id}/",      // wrong facet root
		"/artifacts/t/{unknown}/",         // unsupported placeholder
		"/artifacts/t/exec-1/outputs/",    // reserved trailing segment
	}
	for _, c := range cases {
		if _, err := ExpandPrefix(c, "exec-1"); err == nil {
			t.Errorf("ExpandPrefix(%q) should fail", c)
		}
	}
}

func TestJoinAndKey(t *testing.T) {
	p := Join("/artifacts/t/exec-1/", "outputs.json")
	if p != "/artifacts/t/exec-1/outputs.json" {
		t.Errorf("Join = %q", p)
	}
	if k := Key(p); k != "artifacts/t/exec-1/outputs.json" {
		t.Errorf("Key = %q", k)
	}
}
