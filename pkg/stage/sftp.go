package stage

import (
	"fmt"
	"io"
	"io/fs"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPFS is a RemoteFS over an SFTP subsystem channel.
type SFTPFS struct {
	client *sftp.Client
}

// NewSFTP opens an SFTP channel on an existing SSH connection. Close it
// when done; the SSH connection is left open.
func NewSFTP(conn *ssh.Client) (*SFTPFS, error) {
	c, err := sftp.NewClient(conn, sftp.UseConcurrentWrites(true))
	if err != nil {
		return nil, fmt.Errorf("starting sftp: %w", err)
	}
	return &SFTPFS{client: c}, nil
}

// Stat implements RemoteFS.
func (s *SFTPFS) Stat(p string) (fs.FileInfo, error) {
	return s.client.Stat(p)
}

// Create implements RemoteFS.
func (s *SFTPFS) Create(p string) (io.WriteCloser, error) {
	return s.client.Create(p)
}

// Remove deletes a remote file.
func (s *SFTPFS) Remove(p string) error {
	return s.client.Remove(p)
}

// Close ends the SFTP channel.
func (s *SFTPFS) Close() error {
	return s.client.Close()
}
