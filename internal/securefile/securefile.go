// Package securefile reads secrets kept in operator-managed files.
package securefile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
)

// MaxSecretBytes bounds a secret file.
const MaxSecretBytes = 64 << 10

var (
	ErrEmptySecret    = errors.New("secret file is empty")
	ErrSecretTooLarge = errors.New("secret file too large")
)

// PermissionError reports a secret file that other users can read.
type PermissionError struct {
	Path string
	Mode os.FileMode
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("secret file %s is accessible by group or others (mode %04o); chmod 600 it", e.Path, e.Mode.Perm())
}

// ReadSecret reads a secret file with one trailing newline (LF or CRLF)
// removed. On unix the file must not be group or world accessible.
func ReadSecret(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if runtime.GOOS != "windows" {
		st, err := f.Stat()
		if err != nil {
			return nil, err
		}
		if st.Mode().Perm()&0o077 != 0 {
			return nil, &PermissionError{Path: path, Mode: st.Mode()}
		}
	}
	b, err := io.ReadAll(io.LimitReader(f, MaxSecretBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > MaxSecretBytes {
		return nil, ErrSecretTooLarge
	}
	b = bytes.TrimSuffix(b, []byte("\n"))
	b = bytes.TrimSuffix(b, []byte("\r"))
	if len(b) == 0 {
		return nil, ErrEmptySecret
	}
	return b, nil
}
