// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package gateway relays browser calls to a conversational-avatar API. The
// server holds the upstream api key and injects it on every outbound call,
// hands public display values to the frontend, and gates the secure routes
// behind a bearer token check. Every failure, local or upstream, is returned
// as a single JSON error envelope.
package gateway
