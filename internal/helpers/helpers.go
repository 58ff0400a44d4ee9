package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Fasd800/civitai-browser/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	slugInvalid   = regexp.MustCompile(`[^a-z0-9._-]`)
	underscoreRun = regexp.MustCompile(`_+`)
)

// ConvertToSlug lowercases a string and reduces it to filesystem-friendly
// characters. Spaces become underscores, colons become dashes, everything
// outside [a-z0-9._-] is dropped.
func ConvertToSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, ":", "-")
	s = whitespaceRun.ReplaceAllString(s, "_")
	s = slugInvalid.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "_-", "-")
	s = strings.ReplaceAll(s, "-_", "-")
	s = underscoreRun.ReplaceAllString(s, "_")
	return strings.Trim(s, "_-")
}

// BytesToSize renders a byte count with a binary unit suffix.
func BytesToSize(b uint64) string {
	if b == 0 {
		return "0B"
	}
	sizes := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	i := int(math.Floor(math.Log(float64(b)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1
	}
	val := float64(b) / math.Pow(1024, float64(i))
	return fmt.Sprintf("%.2f%s", val, sizes[i])
}

// SanitizePath cleans a path and strips leading separators and parent
// references so the result can never climb out of the working root.
func SanitizePath(p string) string {
	cleaned := filepath.Clean(p)
	for strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		cleaned = strings.TrimPrefix(cleaned, ".."+string(filepath.Separator))
	}
	cleaned = strings.TrimPrefix(cleaned, string(filepath.Separator))
	if cleaned == ".." || cleaned == "." {
		return ""
	}
	return cleaned
}

// StringSliceContains reports whether the slice holds the item, ignoring case.
func StringSliceContains(slice []string, item string) bool {
	for _, s := range slice {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}

// mimeExtensions maps the content types we care about to their canonical
// file extension.
var mimeExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
}

// GetExtensionFromMimeType returns the canonical extension for a MIME type,
// ignoring any parameters after the media type.
func GetExtensionFromMimeType(mimeType string) (string, bool) {
	base := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	ext, ok := mimeExtensions[strings.ToLower(base)]
	return ext, ok
}

// CheckAndMakeDir ensures a directory exists, creating it (and parents) when
// missing. The path is used as given; callers confine it before handing it
// over. Returns false when creation fails.
func CheckAndMakeDir(dir string) bool {
	if dir == "" {
		dir = "."
	}
	if info, err := os.Stat(dir); err == nil {
		return info.IsDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.WithError(err).Errorf("Failed to create directory %s", dir)
		return false
	}
	return true
}

// CounterWriter wraps an io.Writer and counts the bytes passing through it.
type CounterWriter struct {
	Writer io.Writer
	Total  uint64
}

func (c *CounterWriter) Write(p []byte) (int, error) {
	n, err := c.Writer.Write(p)
	c.Total += uint64(n)
	return n, err
}

// CheckHash verifies a file against whichever checksums the API supplied,
// strongest first: BLAKE3, then SHA256, then CRC32, then AutoV2 (the first
// ten hex digits of the SHA256). Returns false when no hash is provided or
// the file cannot be read.
func CheckHash(path string, hashes models.Hashes) bool {
	if !hashes.HasAnyHash() {
		return false
	}

	// #nosec G304
	f, err := os.Open(path)
	if err != nil {
		log.WithError(err).Debugf("Cannot open %s for hash check", path)
		return false
	}
	defer f.Close()

	blakeHasher := blake3.New()
	shaHasher := sha256.New()
	crcHasher := crc32.NewIEEE()

	if _, err := io.Copy(io.MultiWriter(blakeHasher, shaHasher, crcHasher), f); err != nil {
		log.WithError(err).Debugf("Cannot read %s for hash check", path)
		return false
	}

	shaSum := hex.EncodeToString(shaHasher.Sum(nil))

	if hashes.BLAKE3 != "" {
		return strings.EqualFold(hex.EncodeToString(blakeHasher.Sum(nil)), hashes.BLAKE3)
	}
	if hashes.SHA256 != "" {
		return strings.EqualFold(shaSum, hashes.SHA256)
	}
	if hashes.CRC32 != "" {
		return strings.EqualFold(fmt.Sprintf("%08X", crcHasher.Sum32()), hashes.CRC32)
	}
	// AutoV2 is the short form of the SHA256.
	return len(shaSum) >= 10 && strings.EqualFold(shaSum[:10], hashes.AutoV2)
}

// CorrectPathBasedOnImageType sniffs the downloaded file's real content type
// and rewrites the output path's extension when it disagrees. Unreadable or
// unrecognized files leave the path untouched.
func CorrectPathBasedOnImageType(downloadedFile string, outputPath string) (string, error) {
	// #nosec G304
	f, err := os.Open(downloadedFile)
	if err != nil {
		if os.IsNotExist(err) {
			return outputPath, nil
		}
		return outputPath, fmt.Errorf("opening %s for type detection: %w", downloadedFile, err)
	}
	defer f.Close()

	buffer := make([]byte, 512)
	n, err := f.Read(buffer)
	if err != nil && err != io.EOF {
		return outputPath, fmt.Errorf("reading %s for type detection: %w", downloadedFile, err)
	}

	mimeType := http.DetectContentType(buffer[:n])
	correctExt, ok := GetExtensionFromMimeType(mimeType)
	if !ok {
		return outputPath, nil
	}

	currentExt := filepath.Ext(outputPath)
	if strings.EqualFold(currentExt, correctExt) ||
		(correctExt == ".jpg" && strings.EqualFold(currentExt, ".jpeg")) {
		return outputPath, nil
	}

	base := strings.TrimSuffix(outputPath, currentExt)
	return base + correctExt, nil
}
