package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// staticPIN supplies a PIN given up front via the --pin flag, for systemd
// units and scripts.
type staticPIN string

func (p staticPIN) PIN() (string, error) {
	return string(p), nil
}

// terminalPIN prompts for the PIN on stdin when no --pin flag was given.
type terminalPIN struct{}

func (p *terminalPIN) PIN() (string, error) {
	fmt.Print("Enter PIN: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
