package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/organism/pkg/contracts"
	"github.com/Mindburn-Labs/organism/pkg/guardian"
)

// runEvaluateCmd implements `organism evaluate --input file.json`. The input
// is an ArbitrationInput snapshot; the verdict is printed as JSON.
//
// Exit codes:
//
//	0 = evaluated
//	1 = input rejected as malformed (a deny verdict is still printed)
//	3 = runtime error
func runEvaluateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	input := cmd.String("input", "", "Path to an arbitration input JSON file (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if *input == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --input is required")
		return exitError
	}

	data, err := os.ReadFile(*input)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	var in contracts.ArbitrationInput
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: decode %s: %v\n", *input, err)
		return exitError
	}

	v, evalErr := guardian.Evaluate(in)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if evalErr != nil {
		var ae *guardian.ArbitrationError
		if errors.As(evalErr, &ae) {
			_, _ = fmt.Fprintf(stderr, "Rejected: %s: %s\n", ae.Field, ae.Reason)
		}
		return exitFailure
	}
	return exitOK
}
