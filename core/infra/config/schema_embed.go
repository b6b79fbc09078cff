package config

import "embed"

const preloadSchemaFile = "schema/preload.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
