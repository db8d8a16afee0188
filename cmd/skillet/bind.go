package main

import (
	"fmt"
	"strconv"

	"github.com/jingkaihe/skillet/pkg/metadata"
	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var bindCmd = &cobra.Command{
	Use:   "bind <id> <keyCode>",
	Short: "Bind a skill to a trigger key",
	Long: `Bind a skill to a key code. Modifier key codes such as 61 (Right Option)
are recognised as system modifiers automatically. A key already bound to
another skill is only taken over with --force.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := args[0]

		keyCode, err := parseKeyCode(args[1])
		if err != nil {
			return err
		}
		binding := metadata.NewKeyBinding(keyCode, flagString(cmd, "name"))
		if cmd.Flags().Changed("system") {
			binding.IsSystemModifier, _ = cmd.Flags().GetBool("system")
		}
		force, _ := cmd.Flags().GetBool("force")

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		if _, ok := a.library.Raw(id); !ok {
			return errors.Wrapf(skills.ErrSkillNotFound, "id %q", id)
		}

		if err := a.store.Bind(id, binding, force); err != nil {
			var conflict *metadata.ConflictError
			if errors.As(err, &conflict) {
				return errors.Errorf("%s is already bound to %s, use --force to move it", binding.DisplayName, conflict.ExistingID)
			}
			return errors.Wrap(err, "failed to save key binding")
		}

		presenter.Success(fmt.Sprintf("Bound %s to %s", id, binding.DisplayName))
		return nil
	},
}

var unbindCmd = &cobra.Command{
	Use:   "unbind <id>",
	Short: "Remove the trigger key of a skill",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := args[0]

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		if _, ok := a.library.Raw(id); !ok {
			return errors.Wrapf(skills.ErrSkillNotFound, "id %q", id)
		}

		if err := a.store.Unbind(id); err != nil {
			return errors.Wrap(err, "failed to remove key binding")
		}
		presenter.Success(fmt.Sprintf("Removed key binding of %s", id))
		return nil
	},
}

func init() {
	bindCmd.Flags().Bool("system", false, "Treat the key as a system modifier")
	bindCmd.Flags().String("name", "", "Display name of the key")
	bindCmd.Flags().BoolP("force", "f", false, "Move the key from the skill currently bound to it")
}

func parseKeyCode(s string) (int, error) {
	code, err := strconv.Atoi(s)
	if err != nil || code < 0 {
		return 0, errors.Errorf("invalid key code %q", s)
	}
	return code, nil
}

func flagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
