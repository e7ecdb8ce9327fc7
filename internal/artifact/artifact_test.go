package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"reports/a.json":       "reports/a.json",
		"/abs/path.png":        "abs/path.png",
		"../../etc/passwd":     "etc/passwd",
		"./thumbs/../x.jpg":    "x.jpg",
		"nested//double/k.txt": "nested/double/k.txt",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeKey(in), in)
	}
}

func TestLocalUpload(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir)

	path, err := l.Upload(context.Background(), "../reports/r1.json", []byte(`{"ok":true}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "reports", "r1.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
}

func TestRouterPick(t *testing.T) {
	local := NewLocal(t.TempDir())

	r := Router{Local: local}
	u, err := r.Pick("")
	require.NoError(t, err)
	assert.Same(t, local, u)

	_, err = r.Pick("s3")
	assert.ErrorIs(t, err, ErrNoUploader)

	_, err = r.Pick("ftp")
	assert.Error(t, err)

	_, err = Router{}.Pick("")
	assert.ErrorIs(t, err, ErrNoUploader)
}
