// Package ci implements the workflow engine: YAML workflow parsing
// into a job DAG, dependency-gated execution with per-step timeouts
// and conditions, streamed logs, output capture, content-addressed
// artifacts, and commit status checks.
package ci

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// workflowDoc is the YAML shape of a workflow file.
type workflowDoc struct {
	Name string            `yaml:"name"`
	On   yaml.Node         `yaml:"on"`
	Env  map[string]string `yaml:"env"`
	Jobs map[string]jobDoc `yaml:"jobs"`
}

type jobDoc struct {
	Name           string            `yaml:"name"`
	Needs          yaml.Node         `yaml:"needs"`
	Env            map[string]string `yaml:"env"`
	TimeoutMinutes int               `yaml:"timeout-minutes"`
	Steps          []stepDoc         `yaml:"steps"`
}

type stepDoc struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Run             string            `yaml:"run"`
	Uses            string            `yaml:"uses"`
	With            map[string]string `yaml:"with"`
	Shell           string            `yaml:"shell"`
	WorkingDir      string            `yaml:"working-directory"`
	Env             map[string]string `yaml:"env"`
	If              string            `yaml:"if"`
	ContinueOnError bool              `yaml:"continue-on-error"`
	TimeoutMinutes  int               `yaml:"timeout-minutes"`
}

// ParseWorkflow parses a workflow document, validates the job DAG, and
// resolves each step's condition once so evaluation is a switch on a
// small enum.
func ParseWorkflow(repoKey, path string, data []byte) (*types.Workflow, error) {
	var doc workflowDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, gutserr.Wrap(gutserr.InvalidInput, "ci.ParseWorkflow", "decode workflow yaml", err)
	}
	if len(doc.Jobs) == 0 {
		return nil, gutserr.New(gutserr.InvalidInput, "ci.ParseWorkflow", "workflow has no jobs")
	}

	wf := &types.Workflow{
		ID:       uuid.NewString(),
		RepoKey:  repoKey,
		Path:     path,
		Name:     doc.Name,
		Triggers: stringOrList(doc.On),
		Env:      doc.Env,
	}

	jobIDs := make([]string, 0, len(doc.Jobs))
	for id := range doc.Jobs {
		jobIDs = append(jobIDs, id)
	}
	sort.Strings(jobIDs)

	for _, id := range jobIDs {
		jd := doc.Jobs[id]
		job := types.Job{
			ID:             id,
			Name:           jd.Name,
			Needs:          stringOrList(jd.Needs),
			Env:            jd.Env,
			TimeoutMinutes: jd.TimeoutMinutes,
		}
		for _, need := range job.Needs {
			if _, ok := doc.Jobs[need]; !ok {
				return nil, gutserr.New(gutserr.InvalidInput, "ci.ParseWorkflow",
					fmt.Sprintf("job %q needs unknown job %q", id, need))
			}
		}
		for i, sd := range jd.Steps {
			step, err := parseStep(id, i, sd)
			if err != nil {
				return nil, err
			}
			job.Steps = append(job.Steps, step)
		}
		wf.Jobs = append(wf.Jobs, job)
	}

	if _, err := ResolveJobOrder(wf.Jobs); err != nil {
		return nil, err
	}
	return wf, nil
}

func parseStep(jobID string, idx int, sd stepDoc) (types.Step, error) {
	step := types.Step{
		ID:              sd.ID,
		Shell:           sd.Shell,
		WorkingDir:      sd.WorkingDir,
		Env:             sd.Env,
		Condition:       ParseCondition(sd.If),
		ContinueOnError: sd.ContinueOnError,
		TimeoutMinutes:  sd.TimeoutMinutes,
	}
	switch {
	case sd.Run != "" && sd.Uses != "":
		return types.Step{}, gutserr.New(gutserr.InvalidInput, "ci.ParseWorkflow",
			fmt.Sprintf("job %q step %d has both run and uses", jobID, idx))
	case sd.Run != "":
		step.Kind = types.StepKindRun
		step.Command = sd.Run
	case sd.Uses != "":
		step.Kind = types.StepKindUses
		step.ActionRef = sd.Uses
		step.Inputs = sd.With
	default:
		return types.Step{}, gutserr.New(gutserr.InvalidInput, "ci.ParseWorkflow",
			fmt.Sprintf("job %q step %d has neither run nor uses", jobID, idx))
	}
	return step, nil
}

// ParseCondition maps the condition grammar onto the step enum.
// Unknown expressions fall through to success-required.
func ParseCondition(expr string) types.StepCondition {
	switch strings.TrimSpace(expr) {
	case "":
		return types.CondNone
	case "always()":
		return types.CondAlways
	case "success()":
		return types.CondSuccess
	case "failure()":
		return types.CondFailure
	case "cancelled()":
		return types.CondCancelled
	default:
		return types.CondSuccess
	}
}

// ResolveJobOrder topologically sorts jobs by their needs edges,
// deterministically (ready jobs run in lexical order). A cycle is a
// fatal parse error naming the jobs involved.
func ResolveJobOrder(jobs []types.Job) ([]string, error) {
	indegree := make(map[string]int, len(jobs))
	dependents := make(map[string][]string, len(jobs))
	for _, j := range jobs {
		indegree[j.ID] += 0
		for _, need := range j.Needs {
			indegree[j.ID]++
			dependents[need] = append(dependents[need], j.ID)
		}
	}

	ready := make([]string, 0, len(jobs))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(jobs))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		changed := false
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
				changed = true
			}
		}
		if changed {
			sort.Strings(ready)
		}
	}

	if len(order) != len(jobs) {
		var cyclic []string
		for id, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return nil, gutserr.New(gutserr.InvalidInput, "ci.ResolveJobOrder",
			"dependency cycle involving jobs: "+strings.Join(cyclic, ", "))
	}
	return order, nil
}

// stringOrList accepts both `on: push` and `on: [push, pr]` YAML
// shapes.
func stringOrList(n yaml.Node) []string {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Value == "" {
			return nil
		}
		return []string{n.Value}
	case yaml.SequenceNode:
		out := make([]string, 0, len(n.Content))
		for _, c := range n.Content {
			out = append(out, c.Value)
		}
		return out
	default:
		return nil
	}
}
