package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"halforge/internal/domain"
)

var ErrForbiddenFileOperation = errors.New("file operation is forbidden by policy")

type Policy interface {
	CanFileOperation(ctx context.Context, kind domain.TaskKind, operation domain.FileOperation, targetPath string) (bool, string, error)
}

type ChangeLogger interface {
	LogFileChange(ctx context.Context, entry domain.FileChangeLog) error
}

// Gateway writes artifacts below root/<run id>/. Every write is checked
// against the policy and recorded in the change log, allowed or not.
type Gateway struct {
	root   string
	policy Policy
	logger ChangeLogger
}

func NewGateway(root string, policy Policy, logger ChangeLogger) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	return &Gateway{
		root:   absRoot,
		policy: policy,
		logger: logger,
	}, nil
}

func (g *Gateway) Root() string {
	return g.root
}

// Store writes every entity of the artifact as a file.
func (g *Gateway) Store(ctx context.Context, artifact domain.Artifact) error {
	for _, entity := range artifact.Content.Entities {
		if err := g.WriteFile(ctx, artifact.RunID, artifact.TaskID, artifact.Kind, entity.Name, []byte(entity.Body)); err != nil {
			return fmt.Errorf("write %s: %w", entity.Name, err)
		}
	}
	return nil
}

func (g *Gateway) WriteFile(ctx context.Context, runID, taskID string, kind domain.TaskKind, relPath string, content []byte) error {
	op := domain.FileOperationCreate
	absPath, normalized, err := g.resolve(runID, relPath)
	if err != nil {
		g.logChange(ctx, domain.FileChangeLog{
			RunID:     runID,
			TaskID:    taskID,
			Operation: op,
			Path:      relPath,
			Allowed:   false,
			Reason:    err.Error(),
		})
		return err
	}
	if _, statErr := os.Stat(absPath); statErr == nil {
		op = domain.FileOperationWrite
	}

	if g.policy != nil {
		allowed, reason, err := g.policy.CanFileOperation(ctx, kind, op, normalized)
		if err != nil {
			return fmt.Errorf("policy check write file: %w", err)
		}
		if !allowed {
			g.logChange(ctx, domain.FileChangeLog{
				RunID:     runID,
				TaskID:    taskID,
				Operation: op,
				Path:      normalized,
				Allowed:   false,
				Reason:    reason,
			})
			return fmt.Errorf("%w: %s", ErrForbiddenFileOperation, reason)
		}
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	g.logChange(ctx, domain.FileChangeLog{
		RunID:     runID,
		TaskID:    taskID,
		Operation: op,
		Path:      normalized,
		Allowed:   true,
		Reason:    "allowed",
	})
	return nil
}

func (g *Gateway) ReadFile(ctx context.Context, runID, relPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	absPath, _, err := g.resolve(runID, relPath)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

func (g *Gateway) logChange(ctx context.Context, entry domain.FileChangeLog) {
	if g.logger == nil {
		return
	}
	entry.CreatedAt = time.Now().UTC()
	_ = g.logger.LogFileChange(context.WithoutCancel(ctx), entry)
}

// resolve maps relPath into the run directory. The normalized path it
// returns is relative to the run directory.
func (g *Gateway) resolve(runID, relPath string) (absolute string, normalized string, err error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", "", fmt.Errorf("invalid run id %q", runID)
	}
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}
	normalized = path.Clean(normalized)

	runRoot := filepath.Join(g.root, runID)
	absClean := filepath.Clean(filepath.Join(runRoot, filepath.FromSlash(normalized)))
	rel, err := filepath.Rel(runRoot, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path escapes workspace root: %q", relPath)
	}
	return absClean, filepath.ToSlash(rel), nil
}
