//go:build tools
// +build tools

// Package tools pins tool dependencies (mockgen, invoked via go generate)
// so they are tracked in go.mod.
package tools

import (
	_ "go.uber.org/mock/mockgen"
)
