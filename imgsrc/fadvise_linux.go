//go:build linux

package imgsrc

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/janelia-flyem/slicecube/dvid"
)

// dropCache hints the kernel that the file's pages won't be needed again.
func dropCache(f *os.File) {
	if err := unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_DONTNEED); err != nil {
		dvid.Debugf("fadvise on %s: %v\n", f.Name(), err)
	}
}
