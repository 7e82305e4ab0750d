// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package auth covers both directions of credential handling: injecting the
// upstream api key into outbound requests, and validating the bearer tokens
// presented by inbound callers.
package auth
