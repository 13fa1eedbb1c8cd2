package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Placeholders substituted into configured ffmpeg argument templates.
const (
	InputPlaceholder  = "${INPUT}"
	OutputPlaceholder = "${OUTPUT}"
	FPSPlaceholder    = "${FPS}"
)

var placeholders = map[string]bool{
	InputPlaceholder:  true,
	OutputPlaceholder: true,
	FPSPlaceholder:    true,
}

// SplitCommand splits a command string into arguments without a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// ValidateTemplate rejects shell metacharacters outside of exact
// placeholder arguments and checks that every required placeholder is
// present.
func ValidateTemplate(args []string, required ...string) error {
	found := make(map[string]bool)
	for _, arg := range args {
		if placeholders[arg] {
			found[arg] = true
			continue
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	for _, p := range required {
		if !found[p] {
			return fmt.Errorf("command must include the placeholder '%s'", p)
		}
	}
	return nil
}

// ParseTemplate splits and validates in one step.
func ParseTemplate(command string, required ...string) ([]string, error) {
	args, err := SplitCommand(command)
	if err != nil {
		return nil, err
	}
	if err := ValidateTemplate(args, required...); err != nil {
		return nil, err
	}
	return args, nil
}

// Expand returns a copy of args with placeholders replaced by values.
func Expand(args []string, values map[string]string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		if v, ok := values[arg]; ok {
			out[i] = v
			continue
		}
		out[i] = arg
	}
	return out
}
