// Package main is the entry point for the keyrelay proxy.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/fang/v2"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "keyrelay",
	Short: "A multi-key, multi-service LLM API proxy",
	Long: `keyrelay pools API keys across OpenAI, Anthropic, and Google AI, routes
client requests to whichever service owns the requested model, and
rotates between keys as upstream rate limits come and go.`,
}

func main() {
	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
