// Package migrations embeds the goose SQL migrations for the control plane.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
