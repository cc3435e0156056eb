package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/solatis/waypoint/internal/rules"
	"github.com/solatis/waypoint/internal/types"
)

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Work with targeting rules",
}

var ruleEvalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate a rule against a subject document",
	Long: `Evaluate a rule against a subject document.

--rule and --subject take inline JSON/YAML or @path to read a file. The
subject has the shape {user: {...}, event: {name, data}, events: [...]}.`,
	RunE: runRuleEval,
}

func init() {
	rootCmd.AddCommand(ruleCmd)
	ruleCmd.AddCommand(ruleEvalCmd)
	ruleEvalCmd.Flags().String("rule", "", "rule document or @file")
	ruleEvalCmd.Flags().String("subject", "{}", "subject document or @file")
	_ = ruleEvalCmd.MarkFlagRequired("rule")
}

// subjectDoc is the file shape of a rule subject.
type subjectDoc struct {
	User   map[string]any `yaml:"user"`
	Event  *eventDoc      `yaml:"event"`
	Events []eventDoc     `yaml:"events"`
}

type eventDoc struct {
	Name string         `yaml:"name"`
	Data map[string]any `yaml:"data"`
}

func (e eventDoc) event() types.Event {
	return types.Event{Name: e.Name, Data: e.Data}
}

// readDocument returns the flag value, or the named file's contents for @path.
func readDocument(value string) ([]byte, error) {
	if path, ok := strings.CutPrefix(value, "@"); ok {
		return os.ReadFile(path)
	}
	return []byte(value), nil
}

func runRuleEval(cmd *cobra.Command, args []string) error {
	ruleFlag, _ := cmd.Flags().GetString("rule")
	subjectFlag, _ := cmd.Flags().GetString("subject")

	raw, err := readDocument(ruleFlag)
	if err != nil {
		return err
	}
	rule, err := rules.ParseRule(raw)
	if err != nil {
		return err
	}

	raw, err = readDocument(subjectFlag)
	if err != nil {
		return err
	}
	var doc subjectDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse subject: %w", err)
	}
	subject := types.Subject{User: doc.User}
	if doc.Event != nil {
		ev := doc.Event.event()
		subject.Event = &ev
	}
	for _, e := range doc.Events {
		subject.Events = append(subject.Events, e.event())
	}

	matched, err := rules.Evaluate(subject, rule)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), matched)
	return nil
}
