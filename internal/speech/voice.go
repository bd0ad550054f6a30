package speech

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// killWait bounds how long Speak waits for the engine's output pipes after
// the context ends. Engines that fork players keep stderr open otherwise.
const killWait = 200 * time.Millisecond

// CommandVoice speaks by running an external TTS program per utterance.
// Cancelling the context kills the program and, on unix, its process group.
type CommandVoice struct {
	// Command is the executable, e.g. "espeak" or "say"
	Command string
	// Args are placed before the text
	Args []string
}

// NewEngineVoice builds a CommandVoice for a known engine. rate is in words per
// minute and volume in [0,1]; engines that cannot set volume ignore it.
func NewEngineVoice(engine string, rate int, volume float64) (*CommandVoice, error) {
	switch engine {
	case "espeak", "espeak-ng":
		return &CommandVoice{
			Command: engine,
			Args: []string{
				"-s", strconv.Itoa(rate),
				"-a", strconv.Itoa(int(volume * 200)),
			},
		}, nil
	case "say":
		return &CommandVoice{
			Command: "say",
			Args:    []string{"-r", strconv.Itoa(rate)},
		}, nil
	case "spd-say":
		// spd-say takes rate and volume in [-100,100]
		return &CommandVoice{
			Command: "spd-say",
			Args: []string{
				"-w",
				"-r", strconv.Itoa(clamp((rate-150)/2, -100, 100)),
				"-i", strconv.Itoa(clamp(int(volume*200)-100, -100, 100)),
			},
		}, nil
	}
	return nil, fmt.Errorf("speech: unknown engine %q", engine)
}

// Speak implements Voice
func (v *CommandVoice) Speak(ctx context.Context, text string) error {
	args := append(append([]string{}, v.Args...), text)
	cmd := exec.CommandContext(ctx, v.Command, args...)
	cmd.WaitDelay = killWait
	killGroupOnCancel(cmd)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("speech: %s: %w: %s", v.Command, err, msg)
		}
		return fmt.Errorf("speech: %s: %w", v.Command, err)
	}
	return nil
}

// LogVoice writes utterances to the log instead of a speaker
type LogVoice struct {
	Logger *slog.Logger
}

// Speak implements Voice
func (v LogVoice) Speak(ctx context.Context, text string) error {
	logger := v.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("speech: say", "text", text)
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
