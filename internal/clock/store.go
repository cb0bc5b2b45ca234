package clock

import (
	"bytes"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
)

type efiler interface {
	Read() ([]byte, error)
	Write([]byte) (int, error)
}

// FileStore persists verified op with extremofile (main+backup, checksummed).
type FileStore struct {
	f efiler
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{f: extremofile.New(extremofile.Config{Dir: dir, FilePrefix: "rtc-start-op."})}
}

func (fs *FileStore) Load() (string, error) {
	b, err := fs.f.Read()
	if extremofile.IsCritical(err) {
		return "", errors.Annotate(err, "clock store read")
	}
	// not found or corrupt copy: treat as unknown
	return string(bytes.TrimSpace(b)), nil
}

func (fs *FileStore) Save(op string) error {
	_, err := fs.f.Write([]byte(op))
	return errors.Annotate(err, "clock store write")
}
