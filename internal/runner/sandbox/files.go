package sandbox

import (
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	appErr "github.com/Frohrer/codux/pkg/errors"
)

// NormalizeEncoding maps unknown encodings to utf8.
func NormalizeEncoding(encoding string) string {
	switch strings.ToLower(encoding) {
	case EncodingBase64:
		return EncodingBase64
	case EncodingHex:
		return EncodingHex
	default:
		return EncodingUTF8
	}
}

// ResolvePath joins name onto root and fails when the result leaves root.
func ResolvePath(root, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", appErr.New(appErr.PathEscape).WithMessage("file name is empty")
	}
	full := filepath.Join(root, name)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", appErr.Newf(appErr.PathEscape, "file path %q escapes the submission directory", name)
	}
	return full, nil
}

// ValidateFiles checks every file name against a virtual submission root.
func ValidateFiles(files []File) error {
	root := filepath.Join(string(filepath.Separator), "box", SubmissionDirName)
	for _, f := range files {
		if _, err := ResolvePath(root, f.Name); err != nil {
			return err
		}
	}
	return nil
}

// DecodeContent returns the raw bytes of a file.
func DecodeContent(f File) ([]byte, error) {
	switch NormalizeEncoding(f.Encoding) {
	case EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidFormat, "file %s is not valid base64", f.Name)
		}
		return data, nil
	case EncodingHex:
		data, err := hex.DecodeString(f.Content)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidFormat, "file %s is not valid hex", f.Name)
		}
		return data, nil
	default:
		return []byte(f.Content), nil
	}
}

func writeFiles(dir string, files []File) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return appErr.Wrapf(err, appErr.SandboxFailure, "create submission dir")
	}
	for _, f := range files {
		path, err := ResolvePath(dir, f.Name)
		if err != nil {
			return err
		}
		data, err := DecodeContent(f)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return appErr.Wrapf(err, appErr.SandboxFailure, "create directory for %s", f.Name)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return appErr.Wrapf(err, appErr.SandboxFailure, "write file %s", f.Name)
		}
	}
	return nil
}
