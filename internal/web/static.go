package web

import (
	"embed"
)

// staticFiles holds the operator page and its assets, served at "/" and
// under /static/.
//
//go:embed static/*
var staticFiles embed.FS
