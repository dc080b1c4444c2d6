package web

import "embed"

// DistFS 嵌入的前端静态文件
// 前端构建产物放在 web/dist 下，编译时整体打进二进制
//
//go:embed dist/*
var DistFS embed.FS
