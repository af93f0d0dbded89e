package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var shellCommands = []struct {
	name string
	desc string
}{
	{"session list", "List all ranging sessions"},
	{"session show <handle>", "Show details of a ranging session"},
	{"session add --chip <id>", "Open a new ranging session"},
	{"session start <handle>", "Start ranging on an opened session"},
	{"session stop <handle>", "Stop ranging on an active session"},
	{"session reconfigure <handle>", "Add/remove controlees or change priority"},
	{"session send-data <handle>", "Send application data to a controlee"},
	{"session delete <handle>", "Deinitialize a ranging session"},
	{"monitor <handle>", "Stream one session's events"},
	{"version", "Print build information"},
	{"help", "Show this help message"},
	{"exit / quit", "Leave the interactive shell"},
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive uwbctl shell",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			printShellBanner()
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("uwbctl> ")
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				switch {
				case line == "exit" || line == "quit":
					return nil
				case line == "help" || line == "?":
					printShellHelp()
				case line != "":
					args := strings.Fields(line)
					rootCmd.SetArgs(args)
					if err := rootCmd.Execute(); err != nil {
						fmt.Fprintln(os.Stderr, "Error:", err)
					}
				}
				fmt.Print("uwbctl> ")
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read shell input: %w", err)
			}
			return nil
		},
	}
}

func printShellBanner() {
	fmt.Println("uwbctl interactive shell. Type 'help' for commands, 'exit' to quit.")
}

func printShellHelp() {
	for _, c := range shellCommands {
		fmt.Printf("  %-30s %s\n", c.name, c.desc)
	}
}
