package sandbox_test

import (
	"path/filepath"
	"testing"

	"github.com/Frohrer/codux/internal/runner/sandbox"
	appErr "github.com/Frohrer/codux/pkg/errors"
)

func TestResolvePath(t *testing.T) {
	root := filepath.Join(t.TempDir(), "submission")
	cases := []struct {
		name    string
		wantErr bool
	}{
		{name: "main.py"},
		{name: "pkg/util.py"},
		{name: "a/../b.py"},
		{name: "../escape.py", wantErr: true},
		{name: "a/../../escape.py", wantErr: true},
		{name: "", wantErr: true},
		{name: ".", wantErr: true},
	}
	for _, tc := range cases {
		_, err := sandbox.ResolvePath(root, tc.name)
		if tc.wantErr {
			if appErr.GetCode(err) != appErr.PathEscape {
				t.Fatalf("%q: expected PathEscape, got %v", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.name, err)
		}
	}
}

func TestValidateFiles(t *testing.T) {
	err := sandbox.ValidateFiles([]sandbox.File{{Name: "ok.py"}, {Name: "../../etc/passwd"}})
	if appErr.GetCode(err) != appErr.PathEscape {
		t.Fatalf("expected PathEscape, got %v", err)
	}
	if err := sandbox.ValidateFiles([]sandbox.File{{Name: "ok.py"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDecodeContent(t *testing.T) {
	cases := []struct {
		file sandbox.File
		want string
	}{
		{file: sandbox.File{Name: "a", Content: "hello", Encoding: "utf8"}, want: "hello"},
		{file: sandbox.File{Name: "b", Content: "aGVsbG8=", Encoding: "base64"}, want: "hello"},
		{file: sandbox.File{Name: "c", Content: "68656c6c6f", Encoding: "hex"}, want: "hello"},
		{file: sandbox.File{Name: "d", Content: "hello", Encoding: "latin1"}, want: "hello"},
	}
	for _, tc := range cases {
		got, err := sandbox.DecodeContent(tc.file)
		if err != nil {
			t.Fatalf("%s: decode failed: %v", tc.file.Name, err)
		}
		if string(got) != tc.want {
			t.Fatalf("%s: got %q want %q", tc.file.Name, got, tc.want)
		}
	}
	if _, err := sandbox.DecodeContent(sandbox.File{Name: "e", Content: "zz", Encoding: "hex"}); err == nil {
		t.Fatalf("expected hex decode error")
	}
}

func TestNormalizeEncoding(t *testing.T) {
	if sandbox.NormalizeEncoding("BASE64") != sandbox.EncodingBase64 {
		t.Fatalf("base64 should be recognised case-insensitively")
	}
	if sandbox.NormalizeEncoding("") != sandbox.EncodingUTF8 {
		t.Fatalf("empty encoding should fall back to utf8")
	}
}
