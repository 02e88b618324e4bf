// Package webui provides the embedded static files for the browser client.
package webui

import "embed"

//go:embed index.html
var Assets embed.FS
