// Package migrations embeds the anchor store schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
