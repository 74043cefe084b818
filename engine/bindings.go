package engine

import (
	"fmt"

	"github.com/wippyai/wasm-sandbox/errors"
)

// CheckBindings makes sure bindings line up with imports. Adapters call it
// before instantiating; resolving bindings is the caller's job.
func CheckBindings(imports []Import, bindings Bindings) error {
	var unresolved []errors.UnresolvedImport
	for i, imp := range imports {
		if i >= len(bindings) || bindings[i].Func == nil || bindings[i].Import.Key() != imp.Key() {
			unresolved = append(unresolved, errors.UnresolvedImport{
				Namespace: imp.Namespace, Name: imp.Name, Want: imp.Signature.String(),
			})
			continue
		}
		if got := bindings[i].Import.Signature; !got.Equal(imp.Signature) {
			unresolved = append(unresolved, errors.UnresolvedImport{
				Namespace: imp.Namespace, Name: imp.Name, Want: imp.Signature.String(), Got: got.String(),
			})
		}
	}
	if len(unresolved) > 0 {
		return errors.Instantiation("imports are not bound", &errors.UnresolvedImportError{Imports: unresolved})
	}
	return nil
}

// CheckResults makes sure a host function returned one value per declared
// result. Adapters call it on every host return.
func CheckResults(imp Import, results []uint64) error {
	if len(results) == len(imp.Signature.Results) {
		return nil
	}
	return errors.HostBinding(imp.Namespace, imp.Name,
		fmt.Sprintf("returned %d results, want %d for %s", len(results), len(imp.Signature.Results), imp.Signature))
}
