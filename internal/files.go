package internal

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// StdioName is the filename that denotes stdin or stdout.
const StdioName = "-"

// IsStdio reports whether filename denotes stdin or stdout.
func IsStdio(filename string) bool {
	return filename == StdioName || filename == "/dev/stdout" || filename == "/dev/stdin"
}

func FullPathname(filename string) (string, error) {
	if filepath.IsAbs(filename) {
		return filename, nil
	}
	wd, err := os.Getwd()
	return filepath.Join(wd, filename), err
}

// TempSibling returns a unique, not yet existing pathname in the same
// directory as filename.
func TempSibling(filename string) string {
	dir, base := filepath.Split(filename)
	return filepath.Join(dir, "."+base+"."+uuid.NewString()+".tmp")
}

// WriteFileAtomically creates filename by letting write fill a temporary
// sibling file, which is renamed to filename only on success.
func WriteFileAtomically(filename string, write func(io.Writer) error) (err error) {
	tmp := TempSibling(filename)
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	if err = write(f); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}

// Close closes c and records its error in err unless err is already
// set.
func Close(c io.Closer, err *error) {
	if nerr := c.Close(); *err == nil {
		*err = nerr
	}
}
