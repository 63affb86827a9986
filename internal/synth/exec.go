package synth

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd             []string
	chunkDurationMS int
	outputDir       string
	mu              sync.Mutex
}

type execRequest struct {
	RequestID       string `json:"request_id"`
	Text            string `json:"text"`
	Voice           string `json:"voice"`
	ChunkDurationMS int    `json:"chunk_duration_ms"`
	OutputDir       string `json:"output_dir"`
}

type execResponse struct {
	Location   string `json:"location"`
	DurationMS int    `json:"duration_ms"`
	SizeBytes  int64  `json:"size_bytes"`
	Final      bool   `json:"final"`
}

// NewExecSynth wraps an external synthesis command. The command reads one
// JSON request on stdin and writes one JSON line per produced segment.
func NewExecSynth(command string, chunkDurationMS int, outputDir string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command empty")
	}
	return &execSynth{cmd: args, chunkDurationMS: chunkDurationMS, outputDir: outputDir}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	e.mu.Lock()
	schunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(schunks)
		defer close(errs)
		defer e.mu.Unlock()

		reqPayload := execRequest{
			RequestID:       req.RequestID,
			Text:            req.Text,
			Voice:           req.Voice,
			ChunkDurationMS: e.chunkDurationMS,
			OutputDir:       e.outputDir,
		}
		data, err := json.Marshal(reqPayload)
		if err != nil {
			errs <- err
			return
		}

		base := e.cmd[0]
		args := append([]string{}, e.cmd[1:]...)
		cmd := exec.CommandContext(ctx, base, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			errs <- err
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- err
			return
		}

		if _, err := stdin.Write(data); err != nil {
			errs <- err
			cmd.Wait()
			return
		}
		stdin.Close()

		scanner := bufio.NewScanner(stdout)
		sequence := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- err
				cmd.Wait()
				return
			}
			schunks <- SynthChunk{
				RequestID:  req.RequestID,
				Sequence:   sequence,
				Location:   resp.Location,
				DurationMS: resp.DurationMS,
				SizeBytes:  resp.SizeBytes,
				Final:      resp.Final,
			}
			sequence++
		}
		err = cmd.Wait()
		if err != nil {
			errs <- err
			return
		}
		if scanErr := scanner.Err(); scanErr != nil {
			errs <- scanErr
		}
	}()
	return schunks, errs
}
