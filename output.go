package main

import (
	"io"

	"github.com/fatih/color"
)

// Terminal output for the CLI commands. Colour is dropped automatically when
// the writer is not a terminal or NO_COLOR is set.
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
	warnColor    = color.New(color.FgYellow)
	labelColor   = color.New(color.Bold)
)

func printSuccess(w io.Writer, format string, a ...any) {
	successColor.Fprintf(w, "✓ "+format+"\n", a...)
}

func printError(w io.Writer, format string, a ...any) {
	errorColor.Fprintf(w, "✗ "+format+"\n", a...)
}

func printInfo(w io.Writer, format string, a ...any) {
	infoColor.Fprintf(w, format+"\n", a...)
}

func printWarn(w io.Writer, format string, a ...any) {
	warnColor.Fprintf(w, "⚠ "+format+"\n", a...)
}

// printField writes "label: value" with the label in bold.
func printField(w io.Writer, label, value string) {
	labelColor.Fprintf(w, "%s:", label)
	io.WriteString(w, " "+value+"\n")
}
