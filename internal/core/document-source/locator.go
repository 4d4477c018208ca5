package docsource

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ErrUnsupportedLocator is returned for locators no source can resolve.
var ErrUnsupportedLocator = errors.New("docsource: unsupported locator")

// Scheme identifies where a document lives.
type Scheme string

const (
	SchemeS3   Scheme = "s3"
	SchemeFile Scheme = "file"
)

// Locator is a parsed document address.
type Locator struct {
	Scheme Scheme
	Bucket string
	Key    string
	Path   string
}

// Name is the file name used for content-type detection.
func (l Locator) Name() string {
	if l.Scheme == SchemeFile {
		return filepath.Base(l.Path)
	}
	return path.Base(l.Key)
}

func (l Locator) String() string {
	if l.Scheme == SchemeFile {
		return "file://" + l.Path
	}
	return fmt.Sprintf("s3://%s/%s", l.Bucket, l.Key)
}

// ParseLocator accepts s3://bucket/key, virtual-hosted S3 URLs and
// file:// paths.
func ParseLocator(raw string) (Locator, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "s3://"):
		parts := strings.SplitN(strings.TrimPrefix(raw, "s3://"), "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Locator{}, fmt.Errorf("%w: %q", ErrUnsupportedLocator, raw)
		}
		return Locator{Scheme: SchemeS3, Bucket: parts[0], Key: parts[1]}, nil
	case strings.HasPrefix(raw, "https://") && strings.Contains(raw, ".amazonaws.com/"):
		bucket, key := parseS3URL(raw)
		if bucket == "" || key == "" {
			return Locator{}, fmt.Errorf("%w: %q", ErrUnsupportedLocator, raw)
		}
		return Locator{Scheme: SchemeS3, Bucket: bucket, Key: key}, nil
	case strings.HasPrefix(raw, "file://"):
		p := strings.TrimPrefix(raw, "file://")
		if p == "" {
			return Locator{}, fmt.Errorf("%w: %q", ErrUnsupportedLocator, raw)
		}
		return Locator{Scheme: SchemeFile, Path: filepath.Clean(p)}, nil
	}
	return Locator{}, fmt.Errorf("%w: %q", ErrUnsupportedLocator, raw)
}

// parseS3URL extracts the bucket and key from a typical virtual-hosted–style S3 URL.
// Example: https://my-bucket.s3.us-east-2.amazonaws.com/path/to/file.pdf
func parseS3URL(u string) (bucket, key string) {
	hostPath := strings.SplitN(strings.TrimPrefix(u, "https://"), "/", 2)
	host := hostPath[0]
	if len(hostPath) == 2 {
		key = hostPath[1]
	}
	parts := strings.Split(host, ".")
	if len(parts) > 0 {
		bucket = parts[0]
	}
	return bucket, key
}

// resolveUnder joins p onto root and rejects paths escaping it.
func resolveUnder(root, p string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("%w: local documents are disabled", ErrUnsupportedLocator)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve document root: %w", err)
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(absRoot, full)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(absRoot, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q is outside the document root", ErrUnsupportedLocator, p)
	}
	return full, nil
}
