package ci

import (
	"os"
	"strings"

	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// actionFunc executes one built-in action.
type actionFunc func(step types.Step, ec *ExecutionContext, sink LogSink, stepIdx int) stepResult

// builtinActions is the fixed registry a Uses step dispatches into.
var builtinActions = map[string]actionFunc{
	"checkout":          actionCheckout,
	"cache":             actionNoop("cache restored"),
	"upload-artifact":   actionNoop("artifact staged for upload"),
	"download-artifact": actionNoop("artifact downloaded"),
	"setup-rust":        actionNoop("toolchain already available"),
	"setup-go":          actionNoop("toolchain already available"),
}

// actionName strips any version suffix (`checkout@v4` -> `checkout`).
func actionName(ref string) string {
	name, _, _ := strings.Cut(ref, "@")
	return name
}

// actionCheckout materializes the workspace for the run's commit. The
// objects already live in the local store, so checkout here verifies
// the workspace exists and reports the commit it represents.
func actionCheckout(step types.Step, ec *ExecutionContext, sink LogSink, stepIdx int) stepResult {
	emit(sink, stepIdx, LogInfo, "checking out "+ec.RepoKey)
	if _, err := os.Stat(ec.WorkDir); err != nil {
		return stepResult{spawnErr: err}
	}
	emit(sink, stepIdx, LogInfo, "checked out at "+ec.SHA)
	return stepResult{outputs: map[string]string{}}
}

func actionNoop(message string) actionFunc {
	return func(step types.Step, ec *ExecutionContext, sink LogSink, stepIdx int) stepResult {
		emit(sink, stepIdx, LogInfo, message)
		return stepResult{outputs: map[string]string{}}
	}
}
