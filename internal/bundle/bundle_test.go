package bundle

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildZipDeterministic(t *testing.T) {
	filesA := map[string][]byte{
		"index.js":     []byte("exports.handler = async () => ({statusCode: 200})"),
		"package.json": []byte(`{"name":"fn"}`),
	}
	filesB := map[string][]byte{
		"package.json": []byte(`{"name":"fn"}`),
		"index.js":     []byte("exports.handler = async () => ({statusCode: 200})"),
	}

	zipA, shaA, err := BuildZip(filesA)
	if err != nil {
		t.Fatal(err)
	}
	zipB, shaB, err := BuildZip(filesB)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(zipA, zipB) {
		t.Fatal("zip should be deterministic")
	}
	if shaA != shaB {
		t.Fatalf("sha mismatch: %s != %s", shaA, shaB)
	}
	if !VerifySHA256(zipA, shaA) {
		t.Fatal("sha verification failed")
	}

	decoded, err := ExtractZip(zipA)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 2 || string(decoded["package.json"]) != `{"name":"fn"}` {
		t.Fatalf("unexpected contents: %v", decoded)
	}
}

func TestBuildZipValidationErrors(t *testing.T) {
	if _, _, err := BuildZip(nil); err == nil {
		t.Fatal("expected empty files error")
	}
	for _, name := range []string{"a/../x", "../escape.js", "/abs.js", "./x.js"} {
		if _, _, err := BuildZip(map[string][]byte{name: []byte("y")}); err == nil {
			t.Fatalf("expected invalid path error for %q", name)
		}
	}
	if _, err := ExtractZip([]byte("not-a-zip")); err == nil {
		t.Fatal("expected invalid zip error")
	}
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(rel string, data []byte) {
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("index.js", []byte("exports.handler = 1"))
	write("lib/util.js", []byte("module.exports = {}"))
	write("assets/logo.bin", []byte{0xff, 0xfe, 0x00})
	write("node_modules/dep/index.js", []byte("ignored"))
	write(".git/HEAD", []byte("ignored"))

	files, err := CollectFiles(dir, 0)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %+v", files)
	}
	if files[0].Filename != "assets/logo.bin" || files[0].Encoding != "base64" {
		t.Fatalf("expected binary file base64 encoded, got %+v", files[0])
	}
	if files[1].Filename != "index.js" || files[1].Encoding != "" {
		t.Fatalf("unexpected text file %+v", files[1])
	}
	raw, err := files[0].Bytes()
	if err != nil || !bytes.Equal(raw, []byte{0xff, 0xfe, 0x00}) {
		t.Fatalf("round trip: %v %v", err, raw)
	}

	if _, err := CollectFiles(dir, 4); err == nil {
		t.Fatal("expected size limit error")
	}
	if _, err := CollectFiles(t.TempDir(), 0); err == nil {
		t.Fatal("expected empty tree error")
	}
}
