//go:build !windows

package bufferedfile

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/arvonlabs/sysutil/errs"
)

// fdatasync flushes f's data (and, where the platform distinguishes it,
// skips the metadata-only portion of a full fsync) to stable storage,
// per the non-transactional flush path's durability requirement.
func fdatasync(f *os.File) error {
	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		if err := f.Sync(); err != nil {
			return errs.Wrap(errs.CodeOS, err, "bufferedfile: fsync failed")
		}
	}
	return nil
}
