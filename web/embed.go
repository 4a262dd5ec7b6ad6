package webassets

import "embed"

// FS contains the embedded browser assets served by the connector.
//
//go:embed connect-client.js callback.html
var FS embed.FS
