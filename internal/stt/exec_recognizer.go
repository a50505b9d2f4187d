package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer shells out to a CLI that prints a Result as JSON on stdout.
type execRecognizer struct {
	cmd []string
	cfg config.BackendConfig
}

func NewExecRecognizer(cfg config.BackendConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse backend command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("backend command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", req.AudioPath, "--tier", req.Tier.Name)
	if req.Tier.Model != "" {
		cmdArgs = append(cmdArgs, "--model", req.Tier.Model)
	}
	language := req.Params.Language
	if language == "" {
		language = r.cfg.Language
	}
	if language != "" {
		cmdArgs = append(cmdArgs, "--language", language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v: %s", ErrBackend, req.Tier.Name, err, stderr.String())
	}

	var resp Result
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("%w: decode %s response: %v", ErrBackend, req.Tier.Name, err)
	}
	return resp, nil
}
