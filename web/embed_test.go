package web

import (
	"io/fs"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 嵌入的前端产物是API服务的SPA fallback来源，缺了会让 /、/icons 等路由悄悄失效，
// 所以这里把打包必须带上的文件挨个点名。
func TestDistFS_RequiredArtifacts(t *testing.T) {
	required := []string{
		"dist/index.html",
		"dist/icons/zinc.svg",
		"dist/icons/binance.svg",
		"dist/images/equity-placeholder.svg",
	}
	for _, p := range required {
		t.Run(path.Base(p), func(t *testing.T) {
			if _, err := fs.ReadFile(DistFS, p); err != nil {
				t.Errorf("missing embedded file %s: %v", p, err)
			}
		})
	}
}

func TestDistFS_IndexIsSPAEntry(t *testing.T) {
	content, err := fs.ReadFile(DistFS, "dist/index.html")
	require.NoError(t, err)

	html := string(content)
	assert.Contains(t, html, "<!doctype html>")
	assert.Contains(t, html, `<div id="root">`)
}

func TestDistFS_AssetsBundled(t *testing.T) {
	entries, err := fs.ReadDir(DistFS, "dist/assets")
	require.NoError(t, err)

	var hasJS, hasCSS bool
	for _, entry := range entries {
		switch path.Ext(entry.Name()) {
		case ".js":
			hasJS = true
		case ".css":
			hasCSS = true
		}
	}
	assert.True(t, hasJS, "bundle should ship a JS entry")
	assert.True(t, hasCSS, "bundle should ship a stylesheet")
}

func TestDistFS_SubTreeForRouter(t *testing.T) {
	// api.Server 通过 fs.Sub 去掉 dist/ 前缀后挂路由
	sub, err := fs.Sub(DistFS, "dist")
	require.NoError(t, err)

	content, err := fs.ReadFile(sub, "index.html")
	require.NoError(t, err)
	assert.Contains(t, string(content), "<!doctype html>")
}
