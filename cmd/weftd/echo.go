package main

import (
	"context"
	"strings"

	"github.com/weftlabs/weft"
)

// echoRunner is the built-in development runner. It repeats each input message
// back as assistant text and reports synthetic token usage, which exercises
// the full run lifecycle without any external API.
type echoRunner struct{}

func (echoRunner) ExecRun(ctx context.Context, run *weft.Run, ch chan<- weft.Chunk) error {
	promptTokens, completionTokens := 0, 0
	for _, m := range run.Input {
		text := blockText(m.Content.Blocks())
		promptTokens += approxTokens(text)
		if m.Role == weft.RoleSystem {
			continue
		}
		reply := "echo: " + text
		completionTokens += approxTokens(reply)
		select {
		case ch <- weft.TextChunk(reply):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case ch <- weft.UsageChunk(promptTokens, completionTokens):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func blockText(blocks []weft.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(b.Text.Value)
	}
	return sb.String()
}

// approxTokens estimates tokens at four characters per token, the usual
// rule of thumb for English text.
func approxTokens(s string) int {
	return (len(s) + 3) / 4
}
