// Package defaults embeds the example configuration written by the
// init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the annotated example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte
