//go:build !unix

package git

// Lock is a no-op where flock is unavailable; callers still serialize
// through the one-worker-per-repository rule.
func (r *Repository) Lock() (func() error, error) {
	if err := r.checkMetadata(); err != nil {
		return nil, err
	}
	return func() error { return nil }, nil
}
