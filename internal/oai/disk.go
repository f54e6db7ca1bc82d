package oai

import (
	"syscall"

	"github.com/rotisserie/eris"
)

// checkFreeSpace fails when the filesystem holding dir has less than min
// bytes available. Chunk files for a full harvest can run into gigabytes,
// and a partial harvest on a full disk is worse than no harvest.
func checkFreeSpace(dir string, min uint64) error {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return eris.Wrapf(err, "oai: statfs %s", dir)
	}
	free := st.Bavail * uint64(st.Bsize)
	if free < min {
		return eris.Errorf("oai: insufficient disk space in %s: %d bytes free, %d required", dir, free, min)
	}
	return nil
}
