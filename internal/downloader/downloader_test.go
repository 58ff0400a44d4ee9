package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Fasd800/civitai-browser/internal/api"
	"github.com/Fasd800/civitai-browser/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPipeline(t *testing.T, handler http.Handler) (*Pipeline, *httptest.Server, string) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := api.NewClient("", nil, api.NewLimiter(time.Millisecond, 2*time.Millisecond), api.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	savePath := t.TempDir()
	return NewPipeline(client, savePath), server, savePath
}

// testTLSPipeline serves the handler over TLS and allowlists the loopback
// host, so the full Run path including URL validation can execute against a
// local server.
func testTLSPipeline(t *testing.T, handler http.Handler) (*Pipeline, *httptest.Server, string) {
	t.Helper()
	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)

	client := api.NewClient("", server.Client(), api.NewLimiter(time.Millisecond, 2*time.Millisecond), api.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	savePath := t.TempDir()
	pipeline := NewPipeline(client, savePath)
	pipeline.AllowedHost = "127.0.0.1"
	return pipeline, server, savePath
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestRunDownloadsLoraWithPreview(t *testing.T) {
	modelBytes := []byte("lora weights")
	pngBytes := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	pipeline, server, savePath := testTLSPipeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/file":
			_, _ = w.Write(modelBytes)
		case "/preview.png":
			_, _ = w.Write(pngBytes)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	req := Request{
		Model: models.Model{ID: 1, Name: "Forest Style", Type: "LORA"},
		Version: models.ModelVersion{
			ID:     2,
			Images: []models.ModelImage{{URL: server.URL + "/preview.png"}},
		},
		File: models.File{
			ID:          3,
			Name:        "forest_style.safetensors",
			DownloadUrl: server.URL + "/file",
			Hashes:      models.Hashes{SHA256: sha256Hex(modelBytes)},
		},
	}

	var states []State
	outcome, err := pipeline.Run(context.Background(), req, func(s State, _, _ uint64) {
		if len(states) == 0 || states[len(states)-1] != s {
			states = append(states, s)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, StateDone, outcome.State)
	assert.Empty(t, outcome.Warnings)
	assert.Equal(t, []State{StateValidating, StateFetching, StateWritingPreview, StateDone}, states)

	got, err := os.ReadFile(outcome.FilePath)
	require.NoError(t, err)
	assert.Equal(t, modelBytes, got)

	// The preview sits beside the model file, sharing its stem.
	wantPreview := strings.TrimSuffix(outcome.FilePath, ".safetensors") + ".png"
	assert.Equal(t, wantPreview, outcome.PreviewPath)
	preview, err := os.ReadFile(outcome.PreviewPath)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, preview)

	rel, err := filepath.Rel(savePath, outcome.FilePath)
	require.NoError(t, err)
	assert.NotContains(t, rel, "..")
}

func TestRunPreviewFailureDowngradesToWarning(t *testing.T) {
	modelBytes := []byte("lora weights")
	pipeline, server, _ := testTLSPipeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/file" {
			_, _ = w.Write(modelBytes)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	req := Request{
		Model: models.Model{ID: 1, Name: "Forest Style", Type: "LORA"},
		Version: models.ModelVersion{
			ID:     2,
			Images: []models.ModelImage{{URL: server.URL + "/missing.png"}},
		},
		File: models.File{ID: 3, Name: "forest_style.safetensors", DownloadUrl: server.URL + "/file"},
	}

	outcome, err := pipeline.Run(context.Background(), req, nil)
	require.NoError(t, err, "a failed preview must not fail the download")
	assert.Equal(t, StateDone, outcome.State)
	assert.NotEmpty(t, outcome.Warnings)
	assert.Empty(t, outcome.PreviewPath)

	_, statErr := os.Stat(outcome.FilePath)
	assert.NoError(t, statErr, "the model file itself is kept")
}

func TestRunSkipsPreviewForNonLoraTypes(t *testing.T) {
	pipeline, server, _ := testTLSPipeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("checkpoint weights"))
	}))

	req := Request{
		Model:   models.Model{ID: 1, Name: "Big Checkpoint", Type: "Checkpoint"},
		Version: models.ModelVersion{ID: 2, Images: []models.ModelImage{{URL: server.URL + "/preview.png"}}},
		File:    models.File{ID: 3, Name: "big.ckpt", DownloadUrl: server.URL + "/file"},
	}

	outcome, err := pipeline.Run(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, outcome.State)
	assert.Empty(t, outcome.PreviewPath)
}

func TestRunRejectsDisallowedURLWithoutNetwork(t *testing.T) {
	var hits int32
	pipeline, server, _ := testPipeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))

	req := Request{
		Model:   models.Model{ID: 1, Name: "Evil", Type: "Checkpoint"},
		Version: models.ModelVersion{ID: 2},
		File:    models.File{ID: 3, Name: "evil.safetensors", DownloadUrl: server.URL + "/file"},
	}

	var states []State
	outcome, err := pipeline.Run(context.Background(), req, func(s State, _, _ uint64) {
		states = append(states, s)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSecurityRejected)
	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits), "rejected jobs must not touch the network")
	assert.Equal(t, []State{StateValidating, StateFailed}, states)
}

func TestRunRejectsUserinfoURL(t *testing.T) {
	pipeline, _, _ := testPipeline(t, http.NotFoundHandler())
	req := Request{
		Model:   models.Model{ID: 1, Type: "LORA"},
		Version: models.ModelVersion{ID: 2},
		File:    models.File{ID: 3, DownloadUrl: "https://u:p@civitai.com/file"},
	}
	_, err := pipeline.Run(context.Background(), req, nil)
	assert.ErrorIs(t, err, ErrSecurityRejected)
}

func TestSelectFile(t *testing.T) {
	pipeline := &Pipeline{}

	version := models.ModelVersion{
		ID: 77,
		Files: []models.File{
			{ID: 1, Name: "secondary.safetensors", DownloadUrl: "https://civitai.com/f/1"},
			{ID: 2, Name: "primary.safetensors", DownloadUrl: "https://civitai.com/f/2", Primary: true},
		},
	}

	t.Run("primary file wins", func(t *testing.T) {
		file, url, err := pipeline.selectFile(Request{Version: version})
		require.NoError(t, err)
		assert.Equal(t, 2, file.ID)
		assert.Equal(t, "https://civitai.com/f/2", url)
	})

	t.Run("explicit file id", func(t *testing.T) {
		file, url, err := pipeline.selectFile(Request{Version: version, FileID: 1})
		require.NoError(t, err)
		assert.Equal(t, 1, file.ID)
		assert.Equal(t, "https://civitai.com/f/1", url)
	})

	t.Run("unknown file id", func(t *testing.T) {
		_, _, err := pipeline.selectFile(Request{Version: version, FileID: 99})
		assert.ErrorIs(t, err, ErrNoFile)
	})

	t.Run("synthesized url when file has none", func(t *testing.T) {
		bare := models.ModelVersion{ID: 55, Files: []models.File{{ID: 9, Name: "x.safetensors"}}}
		_, url, err := pipeline.selectFile(Request{Version: bare})
		require.NoError(t, err)
		assert.Equal(t, "https://civitai.com/api/download/models/55", url)
	})

	t.Run("no file at all", func(t *testing.T) {
		_, _, err := pipeline.selectFile(Request{Version: models.ModelVersion{}})
		assert.ErrorIs(t, err, ErrNoFile)
	})
}

func TestFetchFileWritesAtomically(t *testing.T) {
	content := []byte("model weights go here")
	pipeline, server, savePath := testPipeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
		_, _ = w.Write(content)
	}))

	targetDir := filepath.Join(savePath, "models", "Lora")
	targetPath := filepath.Join(targetDir, "thing.safetensors")
	hashes := models.Hashes{SHA256: sha256Hex(content)}

	var sawProgress bool
	finalPath, written, err := pipeline.fetchFile(context.Background(), server.URL+"/file", targetDir, targetPath, hashes, func(w, total uint64) {
		sawProgress = true
		assert.Equal(t, uint64(len(content)), total)
	})
	require.NoError(t, err)
	assert.Equal(t, targetPath, finalPath)
	assert.Equal(t, uint64(len(content)), written)
	assert.True(t, sawProgress)

	got, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	entries, err := os.ReadDir(targetDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files may remain")
}

func TestFetchFileHashMismatchLeavesNoFile(t *testing.T) {
	pipeline, server, savePath := testPipeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("corrupted"))
	}))

	targetDir := filepath.Join(savePath, "models", "Lora")
	targetPath := filepath.Join(targetDir, "thing.safetensors")
	hashes := models.Hashes{SHA256: sha256Hex([]byte("expected content"))}

	_, _, err := pipeline.fetchFile(context.Background(), server.URL+"/file", targetDir, targetPath, hashes, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHashMismatch)

	_, statErr := os.Stat(targetPath)
	assert.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(targetDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed downloads must clean their temp files")
}

func TestFetchFileUsesContentDispositionName(t *testing.T) {
	content := []byte("renamed payload")
	pipeline, server, savePath := testPipeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="served_name.safetensors"`)
		_, _ = w.Write(content)
	}))

	targetDir := filepath.Join(savePath, "models", "Stable-diffusion")
	targetPath := filepath.Join(targetDir, "constructed.safetensors")

	finalPath, _, err := pipeline.fetchFile(context.Background(), server.URL+"/file", targetDir, targetPath, models.Hashes{}, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(targetDir, "served_name.safetensors"), finalPath)
}

func TestFetchFileSanitizesHostileDispositionName(t *testing.T) {
	pipeline, server, savePath := testPipeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="../../escape.safetensors"`)
		_, _ = w.Write([]byte("payload"))
	}))

	targetDir := filepath.Join(savePath, "models", "Lora")
	targetPath := filepath.Join(targetDir, "safe.safetensors")

	finalPath, _, err := pipeline.fetchFile(context.Background(), server.URL+"/file", targetDir, targetPath, models.Hashes{}, nil)
	require.NoError(t, err)
	rel, err := filepath.Rel(savePath, finalPath)
	require.NoError(t, err)
	assert.NotContains(t, rel, "..", "served filenames must stay under the save path")
}

func TestFetchFileSkipsExistingFileWithMatchingHash(t *testing.T) {
	var hits int32
	pipeline, server, savePath := testPipeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))

	content := []byte("already here")
	targetDir := filepath.Join(savePath, "models", "Lora")
	require.NoError(t, os.MkdirAll(targetDir, 0700))
	targetPath := filepath.Join(targetDir, "thing.safetensors")
	require.NoError(t, os.WriteFile(targetPath, content, 0600))

	finalPath, written, err := pipeline.fetchFile(context.Background(), server.URL+"/file", targetDir, targetPath, models.Hashes{SHA256: sha256Hex(content)}, nil)
	require.NoError(t, err)
	assert.Equal(t, targetPath, finalPath)
	assert.Equal(t, uint64(len(content)), written)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestWritePreviewRejectsDisallowedHost(t *testing.T) {
	pipeline, _, savePath := testPipeline(t, http.NotFoundHandler())
	version := models.ModelVersion{Images: []models.ModelImage{{URL: "https://evil.example/x.png"}}}

	_, err := pipeline.writePreview(context.Background(), version, filepath.Join(savePath, "thing.safetensors"))
	assert.ErrorIs(t, err, ErrSecurityRejected)
}

func TestFirstPreviewImage(t *testing.T) {
	tests := []struct {
		name    string
		images  []models.ModelImage
		wantURL string
		wantExt string
	}{
		{
			name:    "first png wins",
			images:  []models.ModelImage{{URL: "https://civitai.com/a.png"}, {URL: "https://civitai.com/b.jpg"}},
			wantURL: "https://civitai.com/a.png",
			wantExt: ".png",
		},
		{
			name:    "video skipped",
			images:  []models.ModelImage{{URL: "https://civitai.com/clip.mp4"}, {URL: "https://civitai.com/b.jpeg"}},
			wantURL: "https://civitai.com/b.jpeg",
			wantExt: ".jpg",
		},
		{
			name:    "query string ignored",
			images:  []models.ModelImage{{URL: "https://civitai.com/a.png?width=450"}},
			wantURL: "https://civitai.com/a.png?width=450",
			wantExt: ".png",
		},
		{
			name:   "nothing usable",
			images: []models.ModelImage{{URL: "https://civitai.com/clip.webm"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			url, ext := firstPreviewImage(models.ModelVersion{Images: tc.images})
			assert.Equal(t, tc.wantURL, url)
			assert.Equal(t, tc.wantExt, ext)
		})
	}
}

func TestIsLoraType(t *testing.T) {
	assert.True(t, isLoraType("LORA"))
	assert.True(t, isLoraType("LoCon"))
	assert.False(t, isLoraType("Checkpoint"))
	assert.False(t, isLoraType(""))
}

func TestCopyWithProgressHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := copyWithProgress(ctx, io.Discard, neverEndingReader{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

type neverEndingReader struct{}

func (neverEndingReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}
