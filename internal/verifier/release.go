package verifier

import "errors"

// destroyer is implemented by onnxruntime tensors and sessions.
type destroyer interface {
	Destroy() error
}

// releaser collects native values allocated while building an embedder and
// destroys them, newest first, unless ownership was handed off with keep.
type releaser struct {
	items []destroyer
	kept  bool
}

func (r *releaser) add(d destroyer) {
	r.items = append(r.items, d)
}

func (r *releaser) keep() { r.kept = true }

// release is meant to be deferred.
func (r *releaser) release() error {
	if r.kept {
		return nil
	}
	var errs []error
	for i := len(r.items) - 1; i >= 0; i-- {
		if err := r.items[i].Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	r.items = nil
	return errors.Join(errs...)
}
