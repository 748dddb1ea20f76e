package sql

import (
	"embed"
)

// Content holds the ordered schema migrations for the collections database.
//
//go:embed schema/*.sql
var Content embed.FS
