package web

import "embed"

// FS contains the embedded panel assets.
//
//go:embed *.html
var FS embed.FS
