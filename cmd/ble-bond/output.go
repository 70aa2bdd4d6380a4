package main

import (
	"fmt"
	"os"
)

const labelWidth = 10

// consoleOutput renders the flow's progress as aligned key-value lines:
//
//	ble-bond v1.0.0
//	BlueZ:    5.82
//	Adapter:  hci0 (powered, pairable)
//	Device:   AA:BB:CC:DD:EE:FF
//	...
//	Result:   ✅ Bond verified, ready to connect
//
// It implements bondmgr.Reporter.
type consoleOutput struct {
	verbose bool
}

func newConsoleOutput(verbose bool) *consoleOutput {
	return &consoleOutput{verbose: verbose}
}

func (o *consoleOutput) banner() {
	fmt.Printf("%s v%s\n", toolName, version)
}

func (o *consoleOutput) Field(label, value string) {
	fmt.Printf("%-*s%s\n", labelWidth, label+":", value)
}

func (o *consoleOutput) Result(message string) {
	o.Field("Result", "✅ "+message)
}

func (o *consoleOutput) Error(message string) {
	fmt.Fprintf(os.Stderr, "%-*s%s\n", labelWidth, "Error:", message)
}

func (o *consoleOutput) Verbose(message string) {
	if o.verbose {
		fmt.Printf("  [%s]\n", message)
	}
}
