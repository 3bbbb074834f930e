package main

import (
	"os"

	"github.com/ctrm-project/ctrm-core/internal/cmd"
	"github.com/ctrm-project/ctrm-core/internal/ctrmerr"
	"github.com/ctrm-project/ctrm-core/internal/output"
)

func main() {
	if err := cmd.Execute(); err != nil {
		_ = output.PrintError(os.Stderr, "error", err.Error())
		os.Exit(exitCodeForErr(err))
	}
}

// exitCodeForErr maps a typed ctrmerr.Kind to one of internal/output's exit
// codes, the same distinction the teacher draws per-command in
// internal/cmd/exec.go; here it is centralized. An error that carries no
// Kind exits with ExitError.
func exitCodeForErr(err error) int {
	switch ctrmerr.KindOf(err) {
	case ctrmerr.KindNotFound:
		return output.ExitNotFound
	case ctrmerr.KindTimeout:
		return output.ExitTimeout
	case ctrmerr.KindIO, ctrmerr.KindProtocol:
		return output.ExitNetwork
	case ctrmerr.KindInterrupted:
		return output.ExitInterrupted
	default:
		return output.ExitError
	}
}
