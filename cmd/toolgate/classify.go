package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/toolrun"
)

var classifyJSON bool

var classifyCmd = &cobra.Command{
	Use:   "classify <command>",
	Short: "Print the category a command falls into",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		cls := toolrun.Classify(domain.ToolRunRequest{Command: strings.Join(args, " ")})
		if classifyJSON {
			return writeJSON(os.Stdout, cls)
		}
		fmt.Printf("category: %s\n", cls.Category)
		if cls.Reason != "" {
			fmt.Printf("reason:   %s\n", cls.Reason)
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <command>",
	Short: "Print the policy decision for a command without running it",
	Long: `Classify a command and evaluate it against the configured policy.
Nothing is audited, prompted or executed. Exits 126 when the command would be
blocked.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		command := strings.Join(args, " ")
		cls, decision := toolrun.Check(domain.ToolRunRequest{Command: command}, cfg.ToolPolicy())

		if classifyJSON {
			err = writeJSON(os.Stdout, struct {
				Command        string                `json:"command"`
				Classification domain.Classification `json:"classification"`
				Decision       domain.PolicyDecision `json:"decision"`
			}{command, cls, decision})
		} else {
			printDecision(os.Stdout, cls, decision)
		}
		if err != nil {
			return err
		}
		if !decision.IsAllowed {
			return &exitError{code: ExitRefused}
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{classifyCmd, checkCmd} {
		cmd.Flags().BoolVar(&classifyJSON, "json", false, "print JSON")
	}
}

func printDecision(w io.Writer, cls domain.Classification, d domain.PolicyDecision) {
	fmt.Fprintf(w, "category:     %s\n", cls.Category)
	fmt.Fprintf(w, "allowed:      %t\n", d.IsAllowed)
	fmt.Fprintf(w, "confirmation: %t\n", d.NeedsConfirmation)
	if d.Reason != "" {
		fmt.Fprintf(w, "reason:       %s\n", d.Reason)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
