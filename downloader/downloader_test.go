// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTarGz writes a gzip-compressed tar with the given files (name to content)
// and returns its path.
func buildTarGz(t *testing.T, dir string, files map[string]string) string {
	tarFile := path.Join(dir, "archive.tar.gz")
	f, err := os.Create(tarFile)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err = tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return tarFile
}

func TestUntar(t *testing.T) {
	dir := t.TempDir()
	tarFile := buildTarGz(t, dir, map[string]string{
		"data/batch_1.bin": "hello",
		"data/batch_2.bin": "world",
	})
	require.NoError(t, Untar(dir, tarFile))

	content, err := os.ReadFile(path.Join(dir, "data", "batch_1.bin"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
	content, err = os.ReadFile(path.Join(dir, "data", "batch_2.bin"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(content))
}

func TestUntarRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	tarFile := buildTarGz(t, dir, map[string]string{
		"../escaped.bin": "gotcha",
	})
	require.Error(t, Untar(path.Join(dir, "out"), tarFile))
}

func TestValidateChecksum(t *testing.T) {
	dir := t.TempDir()
	filePath := path.Join(dir, "data.bin")
	content := []byte("some dataset bytes")
	require.NoError(t, os.WriteFile(filePath, content, 0644))
	hash := sha256.Sum256(content)

	require.NoError(t, ValidateChecksum(filePath, hex.EncodeToString(hash[:])))

	// A mismatch removes the file, so a retry re-downloads it.
	require.NoError(t, os.WriteFile(filePath, []byte("corrupted"), 0644))
	require.Error(t, ValidateChecksum(filePath, hex.EncodeToString(hash[:])))
	assert.NoFileExists(t, filePath)
}

func TestDownloadAndUntarIfMissing(t *testing.T) {
	srcDir := t.TempDir()
	tarFile := buildTarGz(t, srcDir, map[string]string{
		"data/batch_1.bin": "hello",
	})
	tarBytes, err := os.ReadFile(tarFile)
	require.NoError(t, err)
	hash := sha256.Sum256(tarBytes)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(tarBytes)
	}))
	defer server.Close()

	baseDir := t.TempDir()
	require.NoError(t, DownloadAndUntarIfMissing(
		server.URL, baseDir, "archive.tar.gz", "data", hex.EncodeToString(hash[:])))
	content, err := os.ReadFile(path.Join(baseDir, "data", "batch_1.bin"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	// A second call is a no-op: the target directory already exists.
	require.NoError(t, DownloadAndUntarIfMissing(
		server.URL, baseDir, "archive.tar.gz", "data", hex.EncodeToString(hash[:])))
}
