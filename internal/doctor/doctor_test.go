package doctor

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

type stubSection struct {
	name   string
	output string
	err    error
}

func (s *stubSection) Name() string { return s.name }

func (s *stubSection) Print(w io.Writer) error {
	if s.err != nil {
		return s.err
	}
	_, err := w.Write([]byte(s.output))
	return err
}

func TestRegistryKeepsOrder(t *testing.T) {
	reg := NewRegistry()
	if len(reg.Sections()) != 0 {
		t.Fatalf("new registry has %d sections, want 0", len(reg.Sections()))
	}

	reg.Register(&stubSection{name: "Version"})
	reg.Register(&stubSection{name: "Docker Engine"})
	reg.Register(&stubSection{name: "State"})

	sections := reg.Sections()
	if len(sections) != 3 {
		t.Fatalf("got %d sections, want 3", len(sections))
	}
	want := []string{"Version", "Docker Engine", "State"}
	for i, name := range want {
		if sections[i].Name() != name {
			t.Errorf("section %d = %q, want %q", i, sections[i].Name(), name)
		}
	}
}

func TestSectionErrorsSurface(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubSection{name: "Version", output: "Platform: linux/amd64\n"})
	reg.Register(&stubSection{name: "Docker Engine", err: errors.New("engine unreachable")})
	reg.Register(&stubSection{name: "Ports", output: "3000: free\n"})

	var buf bytes.Buffer
	var failed []string
	for _, section := range reg.Sections() {
		buf.WriteString("# " + section.Name() + "\n")
		if err := section.Print(&buf); err != nil {
			failed = append(failed, section.Name())
		}
	}

	if len(failed) != 1 || failed[0] != "Docker Engine" {
		t.Fatalf("failed sections = %v, want [Docker Engine]", failed)
	}
	out := buf.String()
	if !strings.Contains(out, "Platform: linux/amd64") {
		t.Error("output missing version body")
	}
	if !strings.Contains(out, "3000: free") {
		t.Error("output missing ports body after a failed section")
	}
}
