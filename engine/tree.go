package engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/c360studio/otaagent/download"
	"github.com/c360studio/otaagent/manifest"
	"github.com/c360studio/otaagent/workflow"
)

// materialize walks the manifest's steps, creating child workflow nodes.
// Reference steps fetch and parse their detached child manifest
// recursively; nesting is depth-bounded and update-id cycles fail.
func (e *Engine) materialize(ctx context.Context, node *workflow.Workflow, m *manifest.UpdateManifest, depth int) error {
	if depth >= e.config.MaxManifestDepth {
		return fmt.Errorf("detached manifest nesting exceeds depth %d", e.config.MaxManifestDepth)
	}

	for i, step := range m.Instructions.Steps {
		if !step.IsReference() {
			node.AddChild(step, m)
			continue
		}

		child, err := e.resolveReference(ctx, node, m, step)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if err := e.checkCycle(node, child.UpdateId); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}

		childNode := node.AddChild(step, child)
		if err := e.materialize(ctx, childNode, child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// resolveReference fetches a detached manifest into the sandbox, verifies
// it against its manifest file entry, and parses it.
func (e *Engine) resolveReference(ctx context.Context, node *workflow.Workflow, m *manifest.UpdateManifest, step manifest.Step) (*manifest.UpdateManifest, error) {
	entity, err := m.FileEntity(step.DetachedManifestFileId, node.FileUrls())
	if err != nil {
		return nil, err
	}
	target, err := download.SandboxTarget(node.WorkFolder(), entity.TargetFilename)
	if err != nil {
		return nil, err
	}
	if err := e.downloader.Download(ctx, entity, target); err != nil {
		return nil, fmt.Errorf("fetch detached manifest: %w", err)
	}
	if err := download.VerifyFile(target, entity); err != nil {
		return nil, fmt.Errorf("verify detached manifest: %w", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("read detached manifest: %w", err)
	}
	child, err := manifest.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse detached manifest: %w", err)
	}
	return child, nil
}

// checkCycle rejects a child manifest whose update id already appears on
// the ancestor chain.
func (e *Engine) checkCycle(node *workflow.Workflow, childID manifest.UpdateId) error {
	for n := node; n != nil; n = n.Parent() {
		if n.Manifest() != nil && n.Manifest().UpdateId.Equals(childID) {
			return fmt.Errorf("detached manifest cycle at %s", strings.ToLower(childID.String()))
		}
	}
	return nil
}
