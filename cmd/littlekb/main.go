// Package main provides the entry point for the little-kb CLI.
package main

import (
	"errors"
	"os"

	"github.com/Coder-Upsilon/little-kb/cmd/littlekb/cmd"
	kberrors "github.com/Coder-Upsilon/little-kb/internal/errors"
	"github.com/Coder-Upsilon/little-kb/internal/output"
)

func main() {
	err := cmd.Execute()
	if err == nil {
		return
	}

	out := output.New(os.Stderr)

	var kerr *kberrors.KBError
	if errors.As(err, &kerr) {
		out.Errorf("[%s] %s", kerr.Kind, kerr.Message)
		if kerr.Suggestion != "" {
			out.Statusf("💡", kerr.Suggestion)
		}
		os.Exit(exitCodeFor(kerr.Kind))
	}

	out.Error(err.Error())
	os.Exit(1)
}

// exitCodeFor maps an error kind to a process exit code so scripts driving
// the CLI can distinguish a caller mistake (exit 2) from a transient
// condition worth retrying (exit 3) from everything else (exit 1).
func exitCodeFor(k kberrors.Kind) int {
	switch k {
	case kberrors.KindInvalidInput, kberrors.KindNotFound, kberrors.KindUnsupportedFormat:
		return 2
	case kberrors.KindConflict, kberrors.KindTimeout, kberrors.KindEmbeddingFailed, kberrors.KindStorageFailed:
		return 3
	default:
		return 1
	}
}
