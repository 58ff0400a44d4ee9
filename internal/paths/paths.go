package paths

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// artifactDirs routes each artifact type into its fixed subdirectory under
// the download root.
var artifactDirs = map[string]string{
	"checkpoint":       "models/Stable-diffusion",
	"lora":             "models/Lora",
	"locon":            "models/Lora",
	"textualinversion": "embeddings",
	"controlnet":       "models/ControlNet",
	"hypernetwork":     "models/hypernetworks",
	"vae":              "models/VAE",
	"poses":            "models/Poses",
	"wildcards":        "models/Wildcards",
}

// DefaultArtifactDir receives everything with an unrecognized type.
const DefaultArtifactDir = "models/other"

// DirForArtifactType returns the subdirectory (relative to the download
// root) for a model type as reported by the API.
func DirForArtifactType(artifactType string) string {
	if dir, ok := artifactDirs[strings.ToLower(strings.TrimSpace(artifactType))]; ok {
		return dir
	}
	return DefaultArtifactDir
}

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]+`)

// SanitizeFilename reduces an artifact name to a single safe path element:
// any directory prefix is dropped, control characters and reserved
// punctuation become underscores, and overlong names are truncated. An
// unusable name falls back to the given default.
func SanitizeFilename(name string, fallback string) string {
	clean := filepath.Base(strings.TrimSpace(name))
	clean = strings.ReplaceAll(clean, "\x00", "")
	clean = unsafeFilenameChars.ReplaceAllString(clean, "_")
	clean = strings.TrimSpace(clean)
	if clean == "" || clean == "." || clean == ".." {
		return fallback
	}
	if len(clean) > 180 {
		clean = clean[:180]
	}
	return clean
}

// SafeJoin joins a filename onto a base directory and guarantees the result
// stays inside it. A name that would escape is re-anchored at the base.
func SafeJoin(base string, name string) (string, error) {
	baseAbs, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolving base directory %s: %w", base, err)
	}
	dest := filepath.Join(baseAbs, name)
	rel, err := filepath.Rel(baseAbs, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Join(baseAbs, filepath.Base(name)), nil
	}
	return dest, nil
}

// ExpectedExtensions lists the file extensions considered valid for a given
// artifact type. The download pipeline records a warning for filenames whose
// extension is not plausible for the declared type.
func ExpectedExtensions(artifactType string) []string {
	switch strings.ToLower(strings.TrimSpace(artifactType)) {
	case "wildcards":
		return []string{".txt", ".zip", ".yaml"}
	case "poses":
		return []string{".zip", ".png", ".json", ".safetensors"}
	default:
		return []string{".safetensors", ".ckpt", ".pt", ".pth", ".bin", ".onnx", ".zip", ".gguf"}
	}
}

// HasExpectedExtension reports whether the filename carries an extension
// plausible for the artifact type.
func HasExpectedExtension(filename string, artifactType string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range ExpectedExtensions(artifactType) {
		if ext == allowed {
			return true
		}
	}
	return false
}
