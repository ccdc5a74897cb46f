// Package codegen implements the code generation stage: a manifest of
// files is generated first, then each file's content is generated
// independently, so one bad file costs a gap instead of the whole batch.
package codegen

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/loomctl/loom/internal/ai"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/gen"
	"github.com/loomctl/loom/internal/types"
)

// DefaultWorkers bounds concurrent per-file generation when the caller
// does not configure a worker count.
const DefaultWorkers = 4

// ManifestError reports that the manifest phase could not produce a valid
// file manifest.
type ManifestError struct {
	Err error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest generation failed: %v", e.Err)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// GapError reports that one or more files failed in multi-stage mode and
// the caller's policy treats gaps as fatal. The assembled partial result
// is still returned alongside it.
type GapError struct {
	Gaps []types.FileGap
}

func (e *GapError) Error() string {
	return fmt.Sprintf("%d of the manifest's files failed to generate", len(e.Gaps))
}

// Options configures the controller.
type Options struct {
	Workers    int  // Concurrent per-file generations (default: DefaultWorkers)
	FatalGaps  bool // Treat any per-file gap as a failure of the whole stage
	SingleCall bool // Legacy mode: manifest and all contents in one call
}

// Controller drives code generation for a design specification.
type Controller struct {
	unit  *gen.Unit
	opts  Options
	sink  events.Sink
	runID string
}

// NewController creates a controller over a generation unit.
func NewController(unit *gen.Unit, opts Options, sink events.Sink, runID string) *Controller {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if sink == nil {
		sink = events.NullSink{}
	}
	return &Controller{unit: unit, opts: opts, sink: sink, runID: runID}
}

// Generate produces code for the design specification. Defects from a
// failed test run are passed as feedback on re-runs.
//
// In the default multi-stage mode a per-file failure is recorded as a gap
// and does not abort the run; every manifest entry ends up either in the
// result's file list or in its gap list. The legacy single-call mode
// trades that resilience for one round trip and is only worth it on small
// tasks.
func (c *Controller) Generate(ctx context.Context, task *types.TaskRequirements, spec *types.DesignSpecification, standards string, defects []types.Defect) (*types.GeneratedCode, error) {
	if c.opts.SingleCall {
		return c.generateSingleCall(ctx, task, spec, standards, defects)
	}

	manifest, err := c.generateManifest(ctx, task, spec, standards, defects)
	if err != nil {
		return nil, err
	}

	files, gaps := c.generateFiles(ctx, task, spec, standards, defects, manifest)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	code := types.NewGeneratedCode(task.ID, files, gaps)
	if c.opts.FatalGaps && len(gaps) > 0 {
		return code, &GapError{Gaps: gaps}
	}
	return code, nil
}

// generateManifest runs phase 1. Duplicate or otherwise invalid manifests
// are retried inside the unit; exhaustion surfaces as a ManifestError
// wrapping the unit's failure.
func (c *Controller) generateManifest(ctx context.Context, task *types.TaskRequirements, spec *types.DesignSpecification, standards string, defects []types.Defect) ([]types.FileManifestEntry, error) {
	req := ai.Request{Prompt: c.buildManifestPrompt(task, spec, standards, defects), MaxTokens: 8192}
	payload, err := gen.Structured(ctx, c.unit, "manifest", req, validateManifest)
	if err != nil {
		return nil, &ManifestError{Err: err}
	}
	return payload.Files, nil
}

// generateFiles runs phase 2: one independent raw-mode generation per
// manifest entry, bounded by the worker count. Results keep manifest
// order. Nothing is consumed until every entry has resolved.
func (c *Controller) generateFiles(ctx context.Context, task *types.TaskRequirements, spec *types.DesignSpecification, standards string, defects []types.Defect, manifest []types.FileManifestEntry) ([]types.GeneratedFile, []types.FileGap) {
	contents := make([]string, len(manifest))
	failures := make([]error, len(manifest))

	sem := semaphore.NewWeighted(int64(c.opts.Workers))
	var wg sync.WaitGroup
	for i, entry := range manifest {
		if err := sem.Acquire(ctx, 1); err != nil {
			failures[i] = err
			continue
		}
		wg.Add(1)
		go func(i int, entry types.FileManifestEntry) {
			defer wg.Done()
			defer sem.Release(1)

			req := ai.Request{Prompt: c.buildFilePrompt(task, spec, standards, defects, entry), MaxTokens: 8192}
			content, err := gen.Raw(ctx, c.unit, "file:"+entry.Path, req)
			if err != nil {
				failures[i] = err
				return
			}
			contents[i] = content
		}(i, entry)
	}
	wg.Wait()

	var files []types.GeneratedFile
	var gaps []types.FileGap
	for i, entry := range manifest {
		if err := failures[i]; err != nil {
			gap := types.FileGap{Path: entry.Path, Reason: err.Error(), Attempts: c.unit.MaxAttempts()}
			gaps = append(gaps, gap)
			c.sink.Record(ctx, events.NewFileGap(c.runID, gap.Path, gap.Reason, gap.Attempts))
			continue
		}
		files = append(files, types.GeneratedFile{
			Path:     entry.Path,
			Content:  stripCodeFence(contents[i]),
			FileType: entry.FileType,
		})
	}
	return files, gaps
}

// singleCallPayload is the combined record shape for legacy mode.
type singleCallPayload struct {
	Files []singleCallFile `json:"files"`
}

type singleCallFile struct {
	Path     string `json:"path"`
	FileType string `json:"file_type"`
	Content  string `json:"content"`
}

// generateSingleCall requests the manifest and all contents as one
// structured payload. Any parse failure anywhere fails the entire batch;
// there is no partial delivery in this mode.
func (c *Controller) generateSingleCall(ctx context.Context, task *types.TaskRequirements, spec *types.DesignSpecification, standards string, defects []types.Defect) (*types.GeneratedCode, error) {
	req := ai.Request{Prompt: c.buildSingleCallPrompt(task, spec, standards, defects), MaxTokens: 32768}
	payload, err := gen.Structured(ctx, c.unit, "code-batch", req, validateSingleCall)
	if err != nil {
		return nil, fmt.Errorf("single-call generation failed: %w", err)
	}

	files := make([]types.GeneratedFile, 0, len(payload.Files))
	for _, f := range payload.Files {
		files = append(files, types.GeneratedFile{
			Path:     f.Path,
			Content:  f.Content,
			FileType: f.FileType,
		})
	}
	return types.NewGeneratedCode(task.ID, files, nil), nil
}

// validateSingleCall applies the same path-uniqueness invariant as the
// manifest phase to the combined payload.
func validateSingleCall(payload *singleCallPayload) error {
	if len(payload.Files) == 0 {
		return fmt.Errorf("batch contains no files")
	}
	seen := make(map[string]bool, len(payload.Files))
	for i, f := range payload.Files {
		path := strings.TrimSpace(f.Path)
		if path == "" {
			return fmt.Errorf("file %d has an empty path", i)
		}
		if seen[path] {
			return fmt.Errorf("duplicate file path %q", path)
		}
		seen[path] = true
		if f.Content == "" {
			return fmt.Errorf("file %q has empty content", path)
		}
	}
	return nil
}

// stripCodeFence removes a wrapping markdown fence from raw file content.
// Models fence whole files even when told not to.
func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return content
	}
	lines := strings.SplitN(trimmed, "\n", 2)
	if len(lines) < 2 {
		return content
	}
	body := lines[1]
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimRight(body, "\n") + "\n"
}

func (c *Controller) buildManifestPrompt(task *types.TaskRequirements, spec *types.DesignSpecification, standards string, defects []types.Defect) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You are planning the file layout for an implementation.

Task: %s

Design overview:
%s

Components:
`, task.ID, spec.Overview)
	for _, comp := range spec.Components {
		fmt.Fprintf(&b, "- %s: %s\n", comp.Name, comp.Responsibility)
	}
	if standards != "" {
		fmt.Fprintf(&b, "\nCoding standards:\n%s\n", standards)
	}
	if len(defects) > 0 {
		b.WriteString("\nA previous implementation failed testing. Plan a layout that makes fixing these defects possible:\n\n")
		b.WriteString(formatDefects(defects))
	}

	b.WriteString(`
Respond with a JSON object:
{
  "files": [
    {
      "path": "relative/path/to/file.ext",
      "file_type": "source|test|config|doc",
      "responsibility": "What this file contains",
      "estimated_lines": 120
    }
  ]
}

RULES:
1. Paths must be unique and relative
2. Every component must map to at least one file
3. Order files so dependencies come before their dependents

IMPORTANT: Respond with ONLY raw JSON. Do NOT wrap it in markdown code fences.`)

	return b.String()
}

func (c *Controller) buildFilePrompt(task *types.TaskRequirements, spec *types.DesignSpecification, standards string, defects []types.Defect, entry types.FileManifestEntry) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You are implementing one file of a larger system.

Task: %s

File: %s (%s)
Responsibility: %s

Design overview:
%s

Relevant components:
`, task.ID, entry.Path, entry.FileType, entry.Responsibility, spec.Overview)
	for _, comp := range spec.Components {
		fmt.Fprintf(&b, "- %s: %s\n", comp.Name, comp.Responsibility)
		for _, iface := range comp.Interfaces {
			fmt.Fprintf(&b, "    %s\n", iface)
		}
	}
	if standards != "" {
		fmt.Fprintf(&b, "\nCoding standards:\n%s\n", standards)
	}
	if len(defects) > 0 {
		b.WriteString("\nThe previous implementation failed testing. Fix every defect relevant to this file:\n\n")
		b.WriteString(formatDefects(defects))
	}

	b.WriteString(`
Write the complete content of this one file.

IMPORTANT: Respond with ONLY the file content. No markdown fences, no explanations, no surrounding prose.`)

	return b.String()
}

func (c *Controller) buildSingleCallPrompt(task *types.TaskRequirements, spec *types.DesignSpecification, standards string, defects []types.Defect) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You are implementing a complete small system in one response.

Task: %s

Description:
%s

Design overview:
%s

Components:
`, task.ID, task.Description, spec.Overview)
	for _, comp := range spec.Components {
		fmt.Fprintf(&b, "- %s: %s\n", comp.Name, comp.Responsibility)
	}
	if standards != "" {
		fmt.Fprintf(&b, "\nCoding standards:\n%s\n", standards)
	}
	if len(defects) > 0 {
		b.WriteString("\nThe previous implementation failed testing. Fix every defect below:\n\n")
		b.WriteString(formatDefects(defects))
	}

	b.WriteString(`
Respond with a JSON object containing every file:
{
  "files": [
    {"path": "relative/path.ext", "file_type": "source|test|config|doc", "content": "full file content"}
  ]
}

RULES:
1. Paths must be unique and relative
2. content holds the complete file, JSON-escaped

IMPORTANT: Respond with ONLY raw JSON. Do NOT wrap it in markdown code fences.`)

	return b.String()
}

// formatDefects renders test defects as prompt feedback for code re-runs.
func formatDefects(defects []types.Defect) string {
	var b strings.Builder
	for i, d := range defects {
		fmt.Fprintf(&b, "Defect %d [%s/%s]: %s\n", i+1, d.Code, d.Severity, d.Description)
		if d.Location != "" {
			fmt.Fprintf(&b, "  Location: %s\n", d.Location)
		}
	}
	return b.String()
}
