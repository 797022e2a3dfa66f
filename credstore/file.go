package credstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/International-Combat-Archery-Alliance/gmailer"
)

// FileBackend keeps the token as JSON in a single file. Writes go to a
// temporary file in the same directory which is then renamed over the
// target, so readers see either the old or the new token.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) *FileBackend {
	if path == "" {
		path = "token.json"
	}
	return &FileBackend{path: path}
}

func (b *FileBackend) Name() string {
	return "file"
}

func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) Load(_ context.Context) (gmailer.Token, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return gmailer.Token{}, ErrNotFound
	}
	if err != nil {
		return gmailer.Token{}, err
	}
	return decodeToken(data)
}

func (b *FileBackend) Save(_ context.Context, tok gmailer.Token) (rerr error) {
	data, err := encodeToken(tok)
	if err != nil {
		return err
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	f, err := os.CreateTemp(dir, ".token-*.json")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if rerr != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp token file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp token file: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		return fmt.Errorf("chmod temp token file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}
