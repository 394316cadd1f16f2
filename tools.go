//go:build tools
// +build tools

// Package tools pins code generators used by go generate.
package markethub

import (
	_ "go.uber.org/mock/mockgen"
)
