package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema [name]",
	Short: "Print JSON Schemas of the server API",
	Long: `Print the JSON Schema of a serve API body.

Names: evaluate-request, evaluate-response, entrypoints-response.
Without a name all schemas are printed as one object keyed by name.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runSchema,
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}

var apiTypes = map[string]any{
	"evaluate-request":     &evaluateRequest{},
	"evaluate-response":    &evaluateResponse{},
	"entrypoints-response": &entrypointsResponse{},
}

func generateSchema(v any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	return reflector.Reflect(v)
}

func schemaJSON(name string) ([]byte, error) {
	if name == "" {
		all := make(map[string]*jsonschema.Schema, len(apiTypes))
		for n, v := range apiTypes {
			all[n] = generateSchema(v)
		}
		return json.MarshalIndent(all, "", "  ")
	}

	v, ok := apiTypes[name]
	if !ok {
		names := make([]string, 0, len(apiTypes))
		for n := range apiTypes {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown schema %q (expected one of %s)", name, strings.Join(names, ", "))
	}
	return json.MarshalIndent(generateSchema(v), "", "  ")
}

func runSchema(cmd *cobra.Command, args []string) {
	var name string
	if len(args) > 0 {
		name = args[0]
	}
	out, err := schemaJSON(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
}
