package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/cycjobs/pkg/toolapi"
)

const exitFailure = 1

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printEnvelope writes env as JSON or as sorted key=value lines. Nested
// values are JSON encoded on one line. An error envelope is also returned
// as an exit error.
func printEnvelope(w io.Writer, env toolapi.Envelope, jsonOutput bool) error {
	if jsonOutput {
		if err := writeJSON(w, env); err != nil {
			return err
		}
	} else {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s=%s\n", k, formatValue(env[k]))
		}
	}
	return envelopeError(env)
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.String {
		return rv.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// envelopeError converts an error envelope into an exit error.
func envelopeError(env toolapi.Envelope) error {
	if !env.IsError() {
		return nil
	}
	errType, _ := env["error_type"].(string)
	msg, _ := env["error"].(string)
	return exitError(exitCodeForErrorType(errType), "Request failed", errors.New(strings.TrimSpace(errType+": "+msg)))
}

func exitCodeForErrorType(errType string) int {
	switch errType {
	case toolapi.ErrTypeValidation:
		return foundry.ExitInvalidArgument
	case toolapi.ErrTypeNotFound:
		return foundry.ExitFileNotFound
	case toolapi.ErrTypeLaunch:
		return foundry.ExitExternalServiceUnavailable
	default:
		return exitFailure
	}
}
