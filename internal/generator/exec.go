package generator

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execGenerator struct {
	cmd      []string
	voice    string
	mimeType string
	mu       sync.Mutex
}

type execRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

type execResponse struct {
	AudioBase64 string  `json:"audio_base64"`
	DurationSec float64 `json:"duration_sec"`
	MimeType    string  `json:"mime_type,omitempty"`
}

// NewExec wraps an external synthesizer command. The command receives one
// JSON request on stdin and must answer with one JSON line on stdout.
func NewExec(command, voice, mimeType string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse generator command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("generator command empty")
	}
	return &execGenerator{cmd: args, voice: voice, mimeType: mimeType}, nil
}

func (e *execGenerator) Generate(ctx context.Context, span string) (Payload, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{Text: span, Voice: e.voice})
	if err != nil {
		return Payload{}, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Payload{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Payload{}, err
	}
	if err := cmd.Start(); err != nil {
		return Payload{}, err
	}

	if _, err := stdin.Write(data); err != nil {
		cmd.Wait()
		return Payload{}, err
	}
	stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var resp execResponse
	found := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, &resp); err != nil {
			cmd.Wait()
			return Payload{}, fmt.Errorf("decode generator response: %w", err)
		}
		found = true
		break
	}
	if err := cmd.Wait(); err != nil {
		return Payload{}, fmt.Errorf("generator command: %w", err)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return Payload{}, scanErr
	}
	if !found {
		return Payload{}, fmt.Errorf("generator produced no output")
	}

	audio, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		return Payload{}, fmt.Errorf("decode generator audio: %w", err)
	}
	mime := resp.MimeType
	if mime == "" {
		mime = e.mimeType
	}
	return Payload{Bytes: audio, DurationSec: resp.DurationSec, MimeType: mime}, nil
}
