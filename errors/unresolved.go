package errors

import (
	"fmt"
	"strings"
)

// UnresolvedImport is one import slot that could not be bound.
type UnresolvedImport struct {
	Namespace string // e.g., "env"
	Name      string // e.g., "ext_log"
	Want      string // signature declared by the module
	Got       string // signature registered by the host, empty when missing
}

// Mismatch reports whether a host function exists under the key but with a
// different signature.
func (u UnresolvedImport) Mismatch() bool {
	return u.Got != ""
}

// UnresolvedImportError is returned when resolution finds import slots with no
// matching registration or with a signature mismatch. Every failing slot is listed.
type UnresolvedImportError struct {
	Imports []UnresolvedImport
}

func (e *UnresolvedImportError) Error() string {
	if len(e.Imports) == 0 {
		return "[host] unresolved_import: no imports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[host] unresolved_import: %d import(s) cannot be bound:\n", len(e.Imports))

	// Group by namespace for cleaner output
	byNS := make(map[string][]UnresolvedImport)
	var nsOrder []string
	for _, imp := range e.Imports {
		if _, exists := byNS[imp.Namespace]; !exists {
			nsOrder = append(nsOrder, imp.Namespace)
		}
		byNS[imp.Namespace] = append(byNS[imp.Namespace], imp)
	}

	for _, ns := range nsOrder {
		b.WriteString("\n  ")
		b.WriteString(ns)
		b.WriteString(":\n")
		for _, imp := range byNS[ns] {
			b.WriteString("    - ")
			b.WriteString(imp.Name)
			if imp.Mismatch() {
				fmt.Fprintf(&b, ": signature mismatch, module wants %s, host provides %s", imp.Want, imp.Got)
			} else if imp.Want != "" {
				fmt.Fprintf(&b, " %s: not registered", imp.Want)
			}
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *UnresolvedImportError) Is(target error) bool {
	switch t := target.(type) {
	case *UnresolvedImportError:
		return true
	case *Error:
		return t.Kind == KindUnresolvedImport && (t.Phase == "" || t.Phase == PhaseHost)
	}
	return false
}

// ErrUnresolvedImport matches any *UnresolvedImportError with errors.Is.
var ErrUnresolvedImport = &Error{Kind: KindUnresolvedImport}

// Names returns the "namespace.name" keys of every unresolved slot.
func (e *UnresolvedImportError) Names() []string {
	names := make([]string, 0, len(e.Imports))
	for _, imp := range e.Imports {
		names = append(names, imp.Namespace+"."+imp.Name)
	}
	return names
}
