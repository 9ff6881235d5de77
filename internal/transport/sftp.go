package transport

import (
	"fmt"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Compile-time interface checks.
var (
	_ FS         = (*SFTPFS)(nil)
	_ Keepaliver = (*SFTPFS)(nil)
	_ RemoteFile = (*sftp.File)(nil)
)

// SFTPFS is the FS backend for a remote host reached over SFTP.
type SFTPFS struct {
	client *sftp.Client
	ssh    *ssh.Client
}

// NewSFTPFS opens an SFTP subsystem on sshClient. Closing the returned FS
// also closes sshClient.
func NewSFTPFS(sshClient *ssh.Client, opts ...sftp.ClientOption) (*SFTPFS, error) {
	client, err := sftp.NewClient(sshClient, opts...)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return &SFTPFS{client: client, ssh: sshClient}, nil
}

func (f *SFTPFS) ReadDir(p string) ([]os.FileInfo, error) { return f.client.ReadDir(p) }

func (f *SFTPFS) Lstat(p string) (os.FileInfo, error) { return f.client.Lstat(p) }

func (f *SFTPFS) ReadLink(p string) (string, error) { return f.client.ReadLink(p) }

//nolint:ireturn // implements FS
func (f *SFTPFS) OpenFile(p string, flag int) (RemoteFile, error) {
	file, err := f.client.OpenFile(p, flag)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// Keepalive sends an OpenSSH keepalive global request and waits for the reply.
func (f *SFTPFS) Keepalive() error {
	if f.ssh == nil {
		return nil
	}
	_, _, err := f.ssh.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (f *SFTPFS) Close() error {
	err := f.client.Close()
	if f.ssh != nil {
		if sshErr := f.ssh.Close(); sshErr != nil && err == nil {
			err = sshErr
		}
	}
	return err
}
