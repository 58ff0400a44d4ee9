// Package downloader turns a selected model file into bytes on disk. Every
// job walks a fixed state machine and never touches the network before its
// URL passed validation.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Fasd800/civitai-browser/internal/api"
	"github.com/Fasd800/civitai-browser/internal/helpers"
	"github.com/Fasd800/civitai-browser/internal/models"
	"github.com/Fasd800/civitai-browser/internal/paths"

	log "github.com/sirupsen/logrus"
)

var (
	ErrSecurityRejected = errors.New("download rejected by security policy")
	ErrHashMismatch     = errors.New("downloaded file hash mismatch")
	ErrFileSystem       = errors.New("filesystem error")
	ErrNoFile           = errors.New("version has no downloadable file")
)

// State is one step of a download job's lifecycle.
type State string

const (
	StatePending        State = "pending"
	StateValidating     State = "validating"
	StateFetching       State = "fetching"
	StateWritingPreview State = "writing-preview"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Request names what to download. File may be zero, in which case the
// version's primary file is used, falling back to the version's synthesized
// download URL when the file record has none.
type Request struct {
	Model   models.Model
	Version models.ModelVersion
	File    models.File
	FileID  int
}

// Progress is called as a job moves through its states and while bytes are
// being written. total is 0 when the server did not announce a length.
type Progress func(state State, written, total uint64)

// Outcome is the terminal record of one job.
type Outcome struct {
	State       State
	ModelID     int
	VersionID   int
	ModelName   string
	ModelType   string
	Creator     string
	FilePath    string
	PreviewPath string
	SizeBytes   uint64
	Warnings    []string
	Error       string
	FinishedAt  time.Time
	Duration    time.Duration
}

// Pipeline executes download jobs. All transfers go through the shared API
// client so they respect the process-wide rate limiter and retry policy.
type Pipeline struct {
	client   *api.Client
	savePath string

	// AllowedHost is the host downloads are validated against,
	// DefaultAllowedHost unless overridden.
	AllowedHost string
}

// NewPipeline creates a pipeline writing under savePath, with artifacts
// routed into per-type subdirectories.
func NewPipeline(client *api.Client, savePath string) *Pipeline {
	return &Pipeline{client: client, savePath: savePath, AllowedHost: DefaultAllowedHost}
}

// Run executes one job to a terminal state. The returned Outcome is filled
// in even when err is non-nil; warnings (preview failures among them) never
// make the job fail.
func (p *Pipeline) Run(ctx context.Context, req Request, progress Progress) (Outcome, error) {
	start := time.Now()
	outcome := Outcome{
		State:     StatePending,
		ModelID:   req.Model.ID,
		VersionID: req.Version.ID,
		ModelName: req.Model.Name,
		ModelType: req.Model.Type,
		Creator:   req.Model.Creator.Username,
	}
	report := func(state State, written, total uint64) {
		outcome.State = state
		if progress != nil {
			progress(state, written, total)
		}
	}
	fail := func(err error) (Outcome, error) {
		outcome.State = StateFailed
		outcome.Error = err.Error()
		outcome.FinishedAt = time.Now()
		outcome.Duration = time.Since(start)
		if progress != nil {
			progress(StateFailed, 0, 0)
		}
		return outcome, err
	}

	report(StateValidating, 0, 0)

	file, downloadURL, err := p.selectFile(req)
	if err != nil {
		return fail(err)
	}
	if err := ValidateURL(downloadURL, p.AllowedHost); err != nil {
		log.WithError(err).Warnf("Refusing download for model %d", req.Model.ID)
		return fail(err)
	}

	targetDir := filepath.Join(p.savePath, paths.DirForArtifactType(req.Model.Type))
	filename := paths.SanitizeFilename(file.Name, "model.safetensors")
	targetPath, err := paths.SafeJoin(targetDir, filename)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrSecurityRejected, err))
	}
	if file.Name != "" && !paths.HasExpectedExtension(filename, req.Model.Type) {
		outcome.Warnings = append(outcome.Warnings,
			fmt.Sprintf("unexpected extension for %s artifact: %s", req.Model.Type, filename))
	}

	report(StateFetching, 0, 0)

	finalPath, written, err := p.fetchFile(ctx, downloadURL, targetDir, targetPath, file.Hashes, func(w, t uint64) {
		report(StateFetching, w, t)
	})
	if err != nil {
		return fail(err)
	}
	outcome.FilePath = finalPath
	outcome.SizeBytes = written

	if isLoraType(req.Model.Type) {
		report(StateWritingPreview, written, written)
		previewPath, warn := p.writePreview(ctx, req.Version, finalPath)
		if warn != nil {
			log.WithError(warn).Warnf("Preview image skipped for %s", req.Model.Name)
			outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("preview not saved: %v", warn))
		} else if previewPath != "" {
			outcome.PreviewPath = previewPath
		}
	}

	report(StateDone, written, written)
	outcome.FinishedAt = time.Now()
	outcome.Duration = time.Since(start)
	log.Infof("Downloaded %s (%s) to %s", req.Model.Name, helpers.BytesToSize(written), finalPath)
	return outcome, nil
}

// selectFile resolves which file the request means and what URL serves it.
func (p *Pipeline) selectFile(req Request) (models.File, string, error) {
	file := req.File
	if file.ID == 0 && file.DownloadUrl == "" {
		if req.FileID > 0 {
			found, ok := req.Version.FileByID(req.FileID)
			if !ok {
				return models.File{}, "", fmt.Errorf("%w: file %d not in version %d", ErrNoFile, req.FileID, req.Version.ID)
			}
			file = found
		} else if primary, ok := req.Version.PrimaryFile(); ok {
			file = primary
		}
	}

	downloadURL := file.DownloadUrl
	if downloadURL == "" {
		downloadURL = req.Version.DownloadUrl
	}
	if downloadURL == "" && req.Version.ID > 0 {
		downloadURL = fmt.Sprintf("https://civitai.com/api/download/models/%d", req.Version.ID)
	}
	if downloadURL == "" {
		return models.File{}, "", ErrNoFile
	}
	return file, downloadURL, nil
}

// fetchFile streams the URL into a temp file next to the target and renames
// it into place once the hash (when supplied) checks out.
func (p *Pipeline) fetchFile(ctx context.Context, url, targetDir, targetPath string, hashes models.Hashes, onWrite func(written, total uint64)) (string, uint64, error) {
	if hashes.HasAnyHash() && helpers.CheckHash(targetPath, hashes) {
		log.Infof("File already present with matching hash, skipping: %s", targetPath)
		if info, err := os.Stat(targetPath); err == nil {
			return targetPath, uint64(info.Size()), nil
		}
		return targetPath, 0, nil
	}

	if !helpers.CheckAndMakeDir(targetDir) {
		return "", 0, fmt.Errorf("%w: creating directory %s", ErrFileSystem, targetDir)
	}

	resp, err := p.client.Get(ctx, url)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	// A Content-Disposition filename overrides the constructed one, after
	// the same sanitization.
	finalPath := targetPath
	if name := filenameFromResponse(resp); name != "" {
		sanitized := paths.SanitizeFilename(name, filepath.Base(targetPath))
		if joined, joinErr := paths.SafeJoin(targetDir, sanitized); joinErr == nil {
			finalPath = joined
		}
	}

	tempFile, err := os.CreateTemp(targetDir, filepath.Base(finalPath)+".*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("%w: creating temp file in %s: %v", ErrFileSystem, targetDir, err)
	}
	tempPath := tempFile.Name()
	keepTemp := false
	defer func() {
		if !keepTemp {
			_ = os.Remove(tempPath)
		}
	}()

	total, _ := strconv.ParseUint(resp.Header.Get("Content-Length"), 10, 64)
	counter := &helpers.CounterWriter{Writer: tempFile}
	written, err := copyWithProgress(ctx, counter, resp.Body, func() {
		if onWrite != nil {
			onWrite(counter.Total, total)
		}
	})
	if closeErr := tempFile.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("%w: closing temp file: %v", ErrFileSystem, closeErr)
	}
	if err != nil {
		return "", 0, fmt.Errorf("writing %s: %w", tempPath, err)
	}

	if hashes.HasAnyHash() && !helpers.CheckHash(tempPath, hashes) {
		return "", 0, fmt.Errorf("%w: %s", ErrHashMismatch, finalPath)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", 0, fmt.Errorf("%w: renaming %s to %s: %v", ErrFileSystem, tempPath, finalPath, err)
	}
	keepTemp = true
	return finalPath, written, nil
}

// writePreview saves the version's first PNG or JPEG image beside the model
// file, sharing its stem. Any failure is returned as a warning condition.
func (p *Pipeline) writePreview(ctx context.Context, version models.ModelVersion, modelPath string) (string, error) {
	imageURL, ext := firstPreviewImage(version)
	if imageURL == "" {
		return "", nil
	}
	if err := ValidateURL(imageURL, p.AllowedHost); err != nil {
		return "", err
	}

	stem := strings.TrimSuffix(modelPath, filepath.Ext(modelPath))
	previewPath := stem + ext

	resp, err := p.client.Get(ctx, imageURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	tempFile, err := os.CreateTemp(filepath.Dir(previewPath), filepath.Base(previewPath)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: creating preview temp file: %v", ErrFileSystem, err)
	}
	tempPath := tempFile.Name()

	if _, err := io.Copy(tempFile, resp.Body); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("writing preview %s: %w", tempPath, err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("%w: closing preview temp file: %v", ErrFileSystem, err)
	}
	if err := os.Rename(tempPath, previewPath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("%w: renaming preview to %s: %v", ErrFileSystem, previewPath, err)
	}

	// The URL extension can lie about the encoded format.
	corrected, err := helpers.CorrectPathBasedOnImageType(previewPath, previewPath)
	if err == nil && corrected != previewPath {
		if renameErr := os.Rename(previewPath, corrected); renameErr == nil {
			previewPath = corrected
		}
	}
	return previewPath, nil
}

// firstPreviewImage picks the first image whose URL ends in a PNG or JPEG
// extension and returns it with the extension to use for the saved file.
func firstPreviewImage(version models.ModelVersion) (string, string) {
	for _, img := range version.Images {
		if img.URL == "" {
			continue
		}
		lower := strings.ToLower(img.URL)
		if qi := strings.Index(lower, "?"); qi != -1 {
			lower = lower[:qi]
		}
		switch {
		case strings.HasSuffix(lower, ".png"):
			return img.URL, ".png"
		case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
			return img.URL, ".jpg"
		}
	}
	return "", ""
}

func isLoraType(modelType string) bool {
	t := strings.ToLower(strings.TrimSpace(modelType))
	return t == "lora" || t == "locon" || t == "dora"
}

// filenameFromResponse extracts the filename of a Content-Disposition
// header, if the server sent a parseable one.
func filenameFromResponse(resp *http.Response) string {
	cd := resp.Header.Get("Content-Disposition")
	if cd == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		log.WithError(err).Debugf("Unparseable Content-Disposition: %s", cd)
		return ""
	}
	return params["filename"]
}

// copyWithProgress copies src to dst, calling tick after each chunk and
// honouring context cancellation between chunks.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, tick func()) (uint64, error) {
	buf := make([]byte, 128*1024)
	var written uint64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			written += uint64(wn)
			if tick != nil {
				tick()
			}
			if writeErr != nil {
				return written, writeErr
			}
			if wn < n {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
