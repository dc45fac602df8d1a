// Package doctor collects the diagnostic sections printed by the commander
// doctor command.
package doctor

import "io"

// Section is one block of diagnostic output.
type Section interface {
	// Name returns the heading, e.g. "Docker Engine".
	Name() string

	// Print writes the section body. Sections report degraded state in
	// their output; an error means the section itself could not run.
	Print(w io.Writer) error
}

// Registry holds sections in the order they were registered.
type Registry struct {
	sections []Section
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(s Section) {
	r.sections = append(r.sections, s)
}

func (r *Registry) Sections() []Section {
	return r.sections
}
