//go:build !unix

package ledger

// Without flock the in-process project mutex is the only guard.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
