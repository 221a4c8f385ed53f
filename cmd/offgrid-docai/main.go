package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/takuphilchan/offgrid-docai/internal/output"
)

// Visual identity constants
const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"

	brandPrimary = "\033[38;5;45m"  // Bright cyan
	brandAccent  = "\033[38;5;226m" // Yellow
	brandSuccess = "\033[38;5;78m"  // Green
	brandError   = "\033[38;5;196m" // Red
	brandMuted   = "\033[38;5;240m" // Gray

	boxH = "─"

	iconBolt    = "⚡"
	iconCheck   = "✓"
	iconCross   = "✗"
	iconArrow   = "→"
	iconDiamond = "◆"
)

func printSection(title string) {
	if output.JSONMode {
		return
	}
	fmt.Printf("%s%s%s %s%s%s\n", brandPrimary, iconDiamond, colorReset, colorBold, title, colorReset)
	fmt.Printf("%s%s%s\n", brandMuted, strings.Repeat(boxH, 50), colorReset)
}

func printSuccess(message string) {
	if output.JSONMode {
		return
	}
	fmt.Printf("%s%s%s %s\n", brandSuccess, iconCheck, colorReset, message)
}

func printError(message string) {
	fmt.Fprintf(os.Stderr, "%s%s%s %s\n", brandError, iconCross, colorReset, message)
}

func printInfo(message string) {
	if output.JSONMode {
		return
	}
	fmt.Printf("%s%s%s %s\n", brandPrimary, iconArrow, colorReset, message)
}

func printWarning(message string) {
	if output.JSONMode {
		return
	}
	fmt.Printf("%s%s%s %s\n", brandAccent, iconBolt, colorReset, message)
}

func printItem(label, value string) {
	if output.JSONMode {
		return
	}
	fmt.Printf("  %s%-20s%s %s%s%s\n", brandMuted, label+":", colorReset, colorBold, value, colorReset)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if output.JSONMode {
			_ = output.Error("command failed", err)
		} else {
			printError(err.Error())
		}
		os.Exit(1)
	}
}
