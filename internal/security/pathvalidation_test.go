package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	root := t.TempDir()
	captures := filepath.Join(root, "captures")
	outside := filepath.Join(root, "outside")
	require.NoError(t, os.MkdirAll(captures, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "0001.bin"), []byte{1}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(captures, "0000.bin"), []byte{0}, 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "0001.bin"), filepath.Join(captures, "0001.bin")))
	require.NoError(t, os.Symlink(outside, filepath.Join(captures, "link")))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"regular file", filepath.Join(captures, "0000.bin"), false},
		{"not yet created", filepath.Join(captures, "new", "0002.bin"), false},
		{"the directory itself", captures, false},
		{"dot dot", filepath.Join(captures, "..", "outside", "0001.bin"), true},
		{"symlinked file", filepath.Join(captures, "0001.bin"), true},
		{"under symlinked dir", filepath.Join(captures, "link", "new.bin"), true},
		{"absolute elsewhere", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, captures)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(root, "x"), filepath.Join(root, "missing")))
}

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"camctl.db", "camctl.db"},
		{"front cam/01", "front_cam_01"},
		{"a  !! b", "a_b"},
		{"..hidden..", "hidden"},
		{"", "unknown"},
		{"///", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}
	assert.Len(t, SanitizeFilename(strings.Repeat("x", 500)), 128)
}
