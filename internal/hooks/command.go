package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// commandTimeout bounds one hook script run. A stuck script must not
// hold up message processing.
const commandTimeout = 10 * time.Second

// commandTransform shells out to a hook script. The script receives
// {"text": ..., "context": {...}} on stdin and answers with
// {"text": ..., "metadata": {...}} on stdout. Non-zero exit or
// unparseable output skips the transform.
type commandTransform struct {
	name string
	path string
}

func (t *commandTransform) Name() string { return t.name }

func (t *commandTransform) Apply(ctx context.Context, text string, mctx Context) (Result, error) {
	input, err := json.Marshal(struct {
		Text    string  `json:"text"`
		Context Context `json:"context"`
	}{Text: text, Context: mctx})
	if err != nil {
		return Result{}, fmt.Errorf("encode hook input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.path)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return Result{}, fmt.Errorf("run %s: %s", t.path, msg)
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return Result{}, fmt.Errorf("decode %s output: %w", t.path, err)
	}
	if res.Text == "" && strings.TrimSpace(text) != "" {
		return Result{}, fmt.Errorf("%s returned no text", t.path)
	}
	return res, nil
}
