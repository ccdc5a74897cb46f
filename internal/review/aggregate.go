// Package review implements the design review stage: a fixed panel of
// specialist reviewers run concurrently against the current design, and
// their findings are merged into one report grouped by originating phase.
package review

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/ai"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/gen"
	"github.com/loomctl/loom/internal/types"
)

// Aggregator runs the reviewer panel and assembles review reports.
type Aggregator struct {
	unit  *gen.Unit
	sink  events.Sink
	runID string
}

// NewAggregator creates an aggregator over a generation unit.
func NewAggregator(unit *gen.Unit, sink events.Sink, runID string) *Aggregator {
	if sink == nil {
		sink = events.NullSink{}
	}
	return &Aggregator{unit: unit, sink: sink, runID: runID}
}

// Review runs every specialist concurrently and merges their findings.
//
// A specialist whose own retries are exhausted contributes zero issues
// rather than failing the review: a reviewer backend outage must not block
// the pipeline. The degraded coverage is invisible in the report itself,
// so it is surfaced loudly through the telemetry sink instead.
func (a *Aggregator) Review(ctx context.Context, task *types.TaskRequirements, spec *types.DesignSpecification) (*types.DesignReviewReport, error) {
	results := make([][]types.DesignIssue, len(specialists))

	var wg sync.WaitGroup
	for i, s := range specialists {
		wg.Add(1)
		go func(i int, s specialist) {
			defer wg.Done()

			req := ai.Request{Prompt: s.buildPrompt(task, spec), MaxTokens: 8192}
			payload, err := gen.Structured(ctx, a.unit, "review-"+s.name, req, validateIssues)
			if err != nil {
				a.sink.Record(ctx, events.NewReviewerUnavailable(a.runID, s.name, err))
				return
			}
			results[i] = payload.Issues
		}(i, s)
	}
	// No partial reads: aggregation starts only after every specialist has
	// resolved, successfully or not.
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := mergeIssues(results)
	return types.NewDesignReviewReport(uuid.New().String(), spec.ID, merged), nil
}

// mergeIssues concatenates specialist findings in panel order,
// deduplicates by (category, description), and fills in missing ids.
func mergeIssues(results [][]types.DesignIssue) []types.DesignIssue {
	seen := make(map[string]bool)
	var merged []types.DesignIssue
	for _, issues := range results {
		for _, issue := range issues {
			key := issue.Category + "\x00" + normalizeDescription(issue.Description)
			if seen[key] {
				continue
			}
			seen[key] = true
			if issue.ID == "" {
				issue.ID = uuid.New().String()
			}
			merged = append(merged, issue)
		}
	}
	return merged
}

// normalizeDescription canonicalizes a description for dedup comparison.
// Reviewers restate the same finding with incidental whitespace and case
// differences often enough to matter.
func normalizeDescription(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
