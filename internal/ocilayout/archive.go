package ocilayout

import (
	"archive/tar"
	"io"
	"os"

	"github.com/ctrm-project/ctrm-core/internal/ctrmerr"
)

// archiver wraps a stdlib tar.Writer. There is no ecosystem library in the
// retrieval pack for building a generic directory tar (the teacher's own
// download path uses archive/tar directly for the same purpose); the
// two-phase metadata-then-blobs streaming order is the only thing this type
// adds.
type archiver struct {
	tw *tar.Writer
}

func newArchiver(w io.Writer) *archiver {
	return &archiver{tw: tar.NewWriter(w)}
}

func (a *archiver) addFile(srcPath, archiveName string) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		return ctrmerr.New(ctrmerr.KindIO, "stat", srcPath, err)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return ctrmerr.New(ctrmerr.KindIO, "header", srcPath, err)
	}
	hdr.Name = archiveName
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""
	if err := a.tw.WriteHeader(hdr); err != nil {
		return ctrmerr.New(ctrmerr.KindIO, "write header", archiveName, err)
	}
	n, err := copyFileInto(a.tw, srcPath)
	if err != nil {
		return err
	}
	if n != info.Size() {
		return ctrmerr.New(ctrmerr.KindIO, "short write", archiveName, io.ErrShortWrite)
	}
	return nil
}

func (a *archiver) Close() error {
	return a.tw.Close()
}
