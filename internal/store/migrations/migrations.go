// Package migrations embeds the versioned SQL migrations for the local
// chat mirror.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
