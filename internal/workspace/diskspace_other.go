//go:build !linux

package workspace

type statfsResult struct {
	free uint64
}

// diskFree has no portable implementation outside linux; callers treat a
// returned error as "can't check, assume OK" per the pre-flight contract.
func diskFree(path string, out *statfsResult) error {
	return errUnsupported
}

var errUnsupported = &unsupportedError{}

type unsupportedError struct{}

func (*unsupportedError) Error() string { return "disk space check unsupported on this platform" }
