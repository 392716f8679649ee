// Package migrations embeds the SQL schema applied by `planflow-server migrate up`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
