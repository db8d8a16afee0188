package main

import (
	"fmt"
	"strings"

	"github.com/jingkaihe/skillet/pkg/pipeline"
	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/jingkaihe/skillet/pkg/types/behavior"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <id> <utterance>",
	Short: "Run a skill against the configured backend",
	Long: `Run a skill with an utterance. Without flags the result is printed as
direct output. --selection supplies selected text to rewrite, --explain shows
the result about the selection as a card, and --no-input treats the caller as
having no text target.`,
	Example: `  skillet invoke translate "hola, ¿qué tal?"
  skillet invoke polish "make it friendlier" --selection "Send me the report."
  skillet invoke explain "what does this mean" --selection "idempotent" --explain`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := args[0]
		utterance := strings.Join(args[1:], " ")

		selection, _ := cmd.Flags().GetString("selection")
		explain, _ := cmd.Flags().GetBool("explain")
		noInput, _ := cmd.Flags().GetBool("no-input")
		b, err := behaviorFromFlags(selection, explain, noInput)
		if err != nil {
			return err
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		def, ok := a.library.Get(id)
		if !ok {
			return errors.Wrapf(skills.ErrSkillNotFound, "id %q", id)
		}

		p, err := a.newPipeline(cliCallbacks())
		if err != nil {
			return err
		}

		out := p.InvokeWithBehavior(ctx, def, utterance, b)
		if out.Route == pipeline.RouteError {
			return errReported
		}
		return nil
	},
}

func init() {
	invokeCmd.Flags().String("selection", "", "Selected text the skill works on")
	invokeCmd.Flags().Bool("explain", false, "Show the result as a card instead of replacing the selection")
	invokeCmd.Flags().Bool("no-input", false, "Invoke without any text target")
}

// behaviorFromFlags maps the invoke flags onto a context behavior.
func behaviorFromFlags(selection string, explain, noInput bool) (behavior.Behavior, error) {
	switch {
	case noInput && (explain || selection != ""):
		return behavior.Behavior{}, errors.New("--no-input cannot be combined with --selection or --explain")
	case noInput:
		return behavior.NoInput(), nil
	case explain && selection == "":
		return behavior.Behavior{}, errors.New("--explain requires --selection")
	case explain:
		return behavior.Explain(selection), nil
	case selection != "":
		return behavior.Rewrite(selection), nil
	default:
		return behavior.DirectOutput(), nil
	}
}

// cliCallbacks prints invocation results to the terminal.
func cliCallbacks() pipeline.Callbacks {
	return pipeline.CallbackFuncs{
		OnDirectOutput: func(text string) { fmt.Println(text) },
		OnRewrite:      func(text string) { fmt.Println(text) },
		OnCard:         func(card pipeline.Card) { presenter.Card(cardView(card)) },
		OnError: func(failure pipeline.Failure) {
			presenter.Error(failure.Err, fmt.Sprintf("skill %s failed", failure.Definition.Name))
		},
	}
}

func cardView(card pipeline.Card) presenter.CardView {
	title := card.Behavior.Tag()
	if card.Definition != nil {
		title = card.Definition.Name
	}
	return presenter.CardView{
		Title:     title,
		Utterance: card.Utterance,
		Result:    card.Result,
		Details:   card.Diagnostics,
	}
}
