package listenengine

import _ "embed"

//go:embed schema.sql
var SchemaSQL []byte
