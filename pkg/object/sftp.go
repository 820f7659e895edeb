// pkg/object/sftp.go

package object

import (
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type sftpFS struct {
	c *sftp.Client
}

func (s sftpFS) OpenFile(name string, flag int, perm os.FileMode) (fsFile, error) {
	f, err := s.c.OpenFile(name, flag)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s sftpFS) Stat(name string) (os.FileInfo, error)  { return s.c.Stat(name) }
func (s sftpFS) Truncate(name string, size int64) error { return s.c.Truncate(name, size) }
func (s sftpFS) Remove(name string) error               { return s.c.Remove(name) }
func (s sftpFS) MkdirAll(dir string, _ os.FileMode) error {
	return s.c.MkdirAll(dir)
}

func (s sftpFS) Walk(root string, fn filepath.WalkFunc) error {
	walker := s.c.Walk(root)
	for walker.Step() {
		err := fn(walker.Path(), walker.Stat(), walker.Err())
		if err == filepath.SkipDir {
			walker.SkipDir()
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s sftpFS) Join(elem ...string) string { return s.c.Join(elem...) }
func (s sftpFS) Dir(name string) string     { return path.Dir(name) }

func hostKeyCallback() ssh.HostKeyCallback {
	home, err := os.UserHomeDir()
	if err == nil {
		if cb, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts")); err == nil {
			return cb
		}
	}
	logger.Warnf("No usable known_hosts, host key of sftp server is not verified")
	return ssh.InsecureIgnoreHostKey()
}

// newSFTP connects to endpoint in the form host[:port]/root/dir.
func newSFTP(endpoint, user, password string) (PageStore, error) {
	host, root := endpoint, "/"
	if i := strings.Index(endpoint, "/"); i >= 0 {
		host, root = endpoint[:i], endpoint[i:]
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "22")
	}
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: hostKeyCallback(),
		Timeout:         time.Second * 10,
	}
	conn, err := ssh.Dial("tcp", host, config)
	if err != nil {
		return nil, errors.Wrapf(err, "ssh dial %s", host)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "sftp session with %s", host)
	}
	if err = client.MkdirAll(root); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "create %s on %s", root, host)
	}
	return newFileStore("sftp", host, path.Clean(root), sftpFS{client}), nil
}

func init() {
	Register("sftp", newSFTP)
}
