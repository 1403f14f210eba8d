//go:build windows

package bufferedfile

import (
	"os"

	"github.com/arvonlabs/sysutil/errs"
)

// fdatasync falls back to os.File.Sync on platforms where
// golang.org/x/sys/unix's Fdatasync isn't available.
func fdatasync(f *os.File) error {
	if err := f.Sync(); err != nil {
		return errs.Wrap(errs.CodeOS, err, "bufferedfile: fsync failed")
	}
	return nil
}
