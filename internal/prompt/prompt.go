// Package prompt asks the operator yes/no questions and for short free-form
// answers such as credentials.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Prompter is the interaction surface used by the orchestrator.
type Prompter interface {
	Confirm(question string) (bool, error)
	Ask(question string) (string, error)
}

// Terminal reads answers line by line from In and writes questions to Out.
type Terminal struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out}
}

// Confirm asks a y/N question. Anything but "y" or "yes" is a no.
func (t *Terminal) Confirm(question string) (bool, error) {
	resp, err := t.readLine(fmt.Sprintf("%s (y/N): ", question))
	if err != nil {
		return false, err
	}
	resp = strings.ToLower(resp)
	return resp == "y" || resp == "yes", nil
}

// Ask returns the trimmed answer; an empty answer is valid.
func (t *Terminal) Ask(question string) (string, error) {
	return t.readLine(question + ": ")
}

func (t *Terminal) readLine(q string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.out, q)
	line, err := t.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read user input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// Unattended answers every question without blocking: confirmations get
// Answer and free-form questions get an empty string.
type Unattended struct{ Answer bool }

func (u Unattended) Confirm(string) (bool, error) { return u.Answer, nil }
func (u Unattended) Ask(string) (string, error)    { return "", nil }
