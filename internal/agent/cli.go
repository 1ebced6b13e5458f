package agent

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"halforge/internal/domain"
)

// CLIGenerator shells out to a codex-compatible binary:
// `<binary> exec --skip-git-repo-check --output-schema <schema> -o <out> <prompt>`.
type CLIGenerator struct {
	binary  string
	workdir string
	logger  *log.Logger
}

func NewCLIGenerator(binary, workdir string, logger *log.Logger) *CLIGenerator {
	if logger == nil {
		logger = log.Default()
	}
	if strings.TrimSpace(binary) == "" {
		binary = "codex"
	}
	if strings.TrimSpace(workdir) == "" {
		workdir = "."
	}
	return &CLIGenerator{binary: binary, workdir: workdir, logger: logger}
}

func (c *CLIGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (domain.Content, error) {
	schemaFile, err := os.CreateTemp("", "halforge_schema_*.json")
	if err != nil {
		return domain.Content{}, fmt.Errorf("create schema temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(schemaFile.Name())
	}()
	_, err = schemaFile.WriteString(outputSchema)
	if closeErr := schemaFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return domain.Content{}, fmt.Errorf("write schema file: %w", err)
	}

	outFile, err := os.CreateTemp("", "halforge_output_*.json")
	if err != nil {
		return domain.Content{}, fmt.Errorf("create output temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(outFile.Name())
	}()
	outFile.Close()

	args := []string{
		"exec",
		"--skip-git-repo-check",
		"--output-schema",
		schemaFile.Name(),
		"-o",
		outFile.Name(),
		instructions + "\n\n" + buildPrompt(req),
	}
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = c.workdir
	// Bounds the wait for output pipes once ctx has killed the process.
	cmd.WaitDelay = time.Second
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return domain.Content{}, ctx.Err()
		}
		return domain.Content{}, fmt.Errorf("%s exec failed: %w; output: %s", c.binary, err, trim(string(output), 800))
	}

	raw, err := os.ReadFile(outFile.Name())
	if err != nil {
		return domain.Content{}, fmt.Errorf("read %s output: %w", c.binary, err)
	}
	content, err := parseOutput(raw)
	if err != nil {
		return domain.Content{}, fmt.Errorf("parse %s output: %w", c.binary, err)
	}
	c.logger.Printf("cli generation done task=%s chunk=%d entities=%d", req.TaskID, req.ChunkSeq, len(content.Entities))
	return content, nil
}
