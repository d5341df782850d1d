package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/osvaldoandrade/fnbay/internal/api"
)

// zipEpoch pins entry times so identical inputs give identical archives.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// skippedDirs are never collected from a source tree.
var skippedDirs = map[string]bool{".git": true, "node_modules": true, ".venv": true, "__pycache__": true}

// BuildZip writes files into a deterministic zip archive and returns it with
// its hex SHA-256.
func BuildZip(files map[string][]byte) ([]byte, string, error) {
	if len(files) == 0 {
		return nil, "", fmt.Errorf("files cannot be empty")
	}
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range keys {
		if err := checkPath(name); err != nil {
			_ = zw.Close()
			return nil, "", err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: zipEpoch})
		if err != nil {
			_ = zw.Close()
			return nil, "", err
		}
		if _, err := w.Write(files[name]); err != nil {
			_ = zw.Close()
			return nil, "", err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, "", err
	}
	out := buf.Bytes()
	sum := sha256.Sum256(out)
	return out, hex.EncodeToString(sum[:]), nil
}

func VerifySHA256(data []byte, expected string) bool {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == expected
}

// ExtractZip reads every regular file of a zip archive.
func ExtractZip(data []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if err := checkPath(f.Name); err != nil {
			return nil, err
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		out[f.Name] = content
	}
	return out, nil
}

// CollectFiles walks dir and returns its files as deployment source files,
// sorted by name. Text files stay utf-8, anything else is base64 encoded.
func CollectFiles(dir string, maxBytes int64) ([]api.SourceFile, error) {
	var out []api.SourceFile
	var total int64
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		total += int64(len(data))
		if maxBytes > 0 && total > maxBytes {
			return fmt.Errorf("source tree exceeds %d bytes", maxBytes)
		}
		file := api.SourceFile{Filename: filepath.ToSlash(rel)}
		if utf8.Valid(data) {
			file.Content = string(data)
		} else {
			file.Content = base64.StdEncoding.EncodeToString(data)
			file.Encoding = "base64"
		}
		out = append(out, file)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no files found in %s", dir)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func checkPath(name string) error {
	clean := path.Clean(name)
	if clean == "." || clean != name || strings.HasPrefix(clean, "../") || clean == ".." || path.IsAbs(clean) {
		return fmt.Errorf("invalid file path %q", name)
	}
	return nil
}
