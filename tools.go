//go:build tools

// This file pins development tool dependencies in go.mod.
// Install the linter with: go install github.com/golangci/golangci-lint/cmd/golangci-lint
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
)
