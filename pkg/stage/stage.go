// Package stage copies software artifacts to devices. Staging is
// idempotent: an artifact already present at the remote path is not copied
// again.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/newtron-network/newtlife/pkg/util"
)

// Status is the outcome of a staging attempt.
type Status string

const (
	Staged      Status = "staged"
	Transferred Status = "transferred"
	Failed      Status = "failed"
)

// DefaultChunkSize is the write size used for transfers.
const DefaultChunkSize = 32 * 1024

// RemoteFS is the subset of a remote filesystem the stager needs.
type RemoteFS interface {
	Stat(p string) (fs.FileInfo, error)
	Create(p string) (io.WriteCloser, error)
}

// ProgressFunc receives cumulative bytes written and the total size.
type ProgressFunc func(done, total int64)

// Result describes what Stage did.
type Result struct {
	Status     Status
	RemotePath string
	Bytes      int64
	Duration   time.Duration
	Err        error
}

// VerificationError reports a transfer that completed without error but
// whose result could not be confirmed on the device.
type VerificationError struct {
	RemotePath string
	Want       int64
	Got        int64
	Err        error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verifying %s: %v", e.RemotePath, e.Err)
	}
	return fmt.Sprintf("verifying %s: remote size %d, want %d", e.RemotePath, e.Got, e.Want)
}

func (e *VerificationError) Unwrap() error {
	return util.ErrTransferVerification
}

// Stager transfers local artifacts to a RemoteFS.
type Stager struct {
	ChunkSize int
	Progress  ProgressFunc
}

// Stage ensures local exists at remote. If remote already exists it returns
// Staged without writing. Otherwise it copies the file in chunks and then
// stats remote again; a missing or short remote file is Failed even when
// every write succeeded.
func (s *Stager) Stage(ctx context.Context, rfs RemoteFS, local, remote string) Result {
	start := time.Now()
	res := Result{RemotePath: remote}
	fail := func(err error) Result {
		res.Status = Failed
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}

	if _, err := rfs.Stat(remote); err == nil {
		util.Debugf("%s already present, skipping transfer", remote)
		res.Status = Staged
		res.Duration = time.Since(start)
		return res
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fail(fmt.Errorf("checking %s: %w", remote, err))
	}

	f, err := os.Open(local)
	if err != nil {
		return fail(fmt.Errorf("opening artifact: %w", err))
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fail(fmt.Errorf("stat artifact: %w", err))
	}
	total := info.Size()

	w, err := rfs.Create(remote)
	if err != nil {
		return fail(fmt.Errorf("creating %s: %w", remote, err))
	}

	n, copyErr := s.copyChunks(ctx, w, f, total)
	res.Bytes = n
	closeErr := w.Close()
	if copyErr != nil {
		return fail(fmt.Errorf("transferring to %s: %w", remote, copyErr))
	}
	if closeErr != nil {
		return fail(fmt.Errorf("closing %s: %w", remote, closeErr))
	}

	after, err := rfs.Stat(remote)
	if err != nil {
		return fail(&VerificationError{RemotePath: remote, Want: total, Err: err})
	}
	if after.Size() != total {
		return fail(&VerificationError{RemotePath: remote, Want: total, Got: after.Size()})
	}

	res.Status = Transferred
	res.Duration = time.Since(start)
	return res
}

func (s *Stager) copyChunks(ctx context.Context, w io.Writer, r io.Reader, total int64) (int64, error) {
	size := s.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	buf := make([]byte, size)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			written, err := w.Write(buf[:n])
			done += int64(written)
			if err != nil {
				return done, err
			}
			if written != n {
				return done, io.ErrShortWrite
			}
			if s.Progress != nil {
				s.Progress(done, total)
			}
		}
		if readErr == io.EOF {
			return done, nil
		}
		if readErr != nil {
			return done, readErr
		}
	}
}

// RemotePath joins dir and the artifact's base name using forward slashes.
func RemotePath(dir, local string) string {
	return path.Join(dir, filepath.Base(local))
}
