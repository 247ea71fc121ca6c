package console

import (
	"strings"

	"github.com/chzyer/readline"
)

const (
	Yes = "y"
	No  = "n"
)

// Input is where prompts read answers from.
var Input = readline.Stdin

var yesNoConstraints = []string{No, Yes}

// Confirm asks a yes/no question defaulting to no.
func Confirm(question string) (bool, error) {
	answer, err := Prompt(question, yesNoConstraints...)
	if err != nil {
		return false, err
	}
	return answer == Yes, nil
}

// Prompt reads one line. With constraints the answer is normalized to one of
// them and an empty or unknown answer yields the first one.
func Prompt(question string, constraints ...string) (string, error) {
	var prompt strings.Builder
	prompt.WriteString(question)
	if len(constraints) > 0 {
		prompt.WriteString(" [")
		prompt.WriteString(strings.ToUpper(constraints[0]))
		for i := 1; i < len(constraints); i++ {
			prompt.WriteString("/")
			prompt.WriteString(constraints[i])
		}
		prompt.WriteString("]: ")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt: prompt.String(),
		Stdin:  Input,
		Stdout: writer,
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = rl.Close() }()
	response, err := rl.Readline()
	if err != nil {
		return "", err
	}
	if len(constraints) == 0 {
		return response, nil
	}
	normalized := strings.ToLower(strings.TrimSpace(response))
	for _, c := range constraints {
		if normalized == c {
			return normalized, nil
		}
	}
	return constraints[0], nil
}
