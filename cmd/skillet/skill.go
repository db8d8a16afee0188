package main

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gobwas/glob"
	"github.com/jingkaihe/skillet/pkg/metadata"
	"github.com/jingkaihe/skillet/pkg/pipeline"
	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/jingkaihe/skillet/pkg/template"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List skills in the library",
	Long: `List the skills in the library with their tools and key bindings.
Internal skills are hidden unless --all is given. --match filters by a glob
pattern applied to the skill id and name, e.g. --match 'trans*'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		all, _ := cmd.Flags().GetBool("all")
		pattern, _ := cmd.Flags().GetString("match")

		a, err := newApp(ctx)
		if err != nil {
			return err
		}

		defs, err := filterSkills(a.library.List(all), pattern)
		if err != nil {
			return err
		}
		if len(defs) == 0 {
			presenter.Info("No skills found")
			return nil
		}

		presenter.Table([]string{"ID", "NAME", "TOOLS", "KEY", "DESCRIPTION"}, skillRows(defs, a.store))
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a skill definition and its metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")

		a, err := newApp(ctx)
		if err != nil {
			return err
		}

		def, ok := a.library.Get(args[0])
		if !ok {
			return errors.Wrapf(skills.ErrSkillNotFound, "id %q", args[0])
		}
		doc := newSkillDocument(def, a.store.Get(def.ID))

		switch format {
		case "yaml":
			out, err := yaml.Marshal(doc)
			if err != nil {
				return errors.Wrap(err, "failed to encode skill")
			}
			fmt.Print(string(out))
		case "text", "":
			printSkillDocument(doc)
		default:
			return errors.Errorf("unknown format %q, expected text or yaml", format)
		}
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new skill",
	Long: `Create a new skill from flags. The id defaults to a slug of the name.
The instruction template is taken from --prompt or read from --prompt-file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		def, err := definitionFromFlags(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}

		created, err := a.library.Create(ctx, def)
		if err != nil {
			return err
		}

		presenter.Success(fmt.Sprintf("Created skill %s at %s", created.ID, a.library.Path(created.ID)))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a skill and its metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := args[0]
		yes, _ := cmd.Flags().GetBool("yes")

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		if _, ok := a.library.Raw(id); !ok {
			return errors.Wrapf(skills.ErrSkillNotFound, "id %q", id)
		}

		if !yes && !confirmed(presenter.Prompt(fmt.Sprintf("Delete skill %s?", id), "y", "N")) {
			presenter.Info("Aborted")
			return nil
		}

		if err := a.library.Delete(ctx, id); err != nil {
			return err
		}
		if skills.IsBuiltinID(id) {
			presenter.Warning("builtin skills are reinstalled on the next start")
		}
		presenter.Success(fmt.Sprintf("Deleted skill %s", id))
		return nil
	},
}

func init() {
	listCmd.Flags().Bool("all", false, "Include internal skills")
	listCmd.Flags().String("match", "", "Only list skills whose id or name matches this glob")

	showCmd.Flags().String("format", "text", "Output format (text, yaml)")

	registerCreateFlags(createCmd)

	deleteCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
}

// filterSkills keeps the definitions whose id or name matches pattern.
// An empty pattern keeps everything.
func filterSkills(defs []*skills.Definition, pattern string) ([]*skills.Definition, error) {
	if pattern == "" {
		return defs, nil
	}

	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid match pattern %q", pattern)
	}

	var out []*skills.Definition
	for _, def := range defs {
		if g.Match(def.ID) || g.Match(def.Name) {
			out = append(out, def)
		}
	}
	return out, nil
}

func skillRows(defs []*skills.Definition, store *metadata.Store) [][]string {
	rows := make([][]string, 0, len(defs))
	for _, def := range defs {
		key := "-"
		if binding := store.Get(def.ID).ModifierKey; binding != nil {
			key = binding.DisplayName
		}
		rows = append(rows, []string{def.ID, def.Name, strings.Join(def.AllowedTools, ","), key, def.Description})
	}
	return rows
}

type bindingDocument struct {
	KeyCode          int    `yaml:"key_code"`
	DisplayName      string `yaml:"display_name"`
	IsSystemModifier bool   `yaml:"system_modifier"`
}

type metadataDocument struct {
	Icon       string           `yaml:"icon"`
	Color      string           `yaml:"color"`
	Binding    *bindingDocument `yaml:"binding,omitempty"`
	IsBuiltin  bool             `yaml:"builtin"`
	IsInternal bool             `yaml:"internal"`
}

// skillDocument is the printable view of a skill.
type skillDocument struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Description  string            `yaml:"description"`
	UserPrompt   string            `yaml:"user_prompt,omitempty"`
	AllowedTools []string          `yaml:"allowed_tools"`
	Config       map[string]string `yaml:"config,omitempty"`
	Metadata     metadataDocument  `yaml:"metadata"`
	Unresolved   []string          `yaml:"unresolved,omitempty"`
	Prompt       string            `yaml:"prompt"`
}

func newSkillDocument(def *skills.Definition, meta metadata.RuntimeMetadata) skillDocument {
	doc := skillDocument{
		ID:           def.ID,
		Name:         def.Name,
		Description:  def.Description,
		UserPrompt:   def.UserPrompt,
		AllowedTools: def.AllowedTools,
		Config:       def.Config,
		Metadata: metadataDocument{
			Icon:       meta.Icon,
			Color:      meta.ColorHex,
			IsBuiltin:  meta.IsBuiltin,
			IsInternal: meta.IsInternal,
		},
		Prompt: def.SystemPromptTemplate,
	}
	if meta.ModifierKey != nil {
		doc.Metadata.Binding = &bindingDocument{
			KeyCode:          meta.ModifierKey.KeyCode,
			DisplayName:      meta.ModifierKey.DisplayName,
			IsSystemModifier: meta.ModifierKey.IsSystemModifier,
		}
	}

	// Context placeholders are always filled at invocation time, so only
	// config placeholders can be left unresolved.
	contextValues := map[string]string{
		pipeline.ContextUserProfile:  "",
		pipeline.ContextSelectedText: "",
	}
	doc.Unresolved = template.Unresolved(def.SystemPromptTemplate, def.Config, contextValues)
	return doc
}

func printSkillDocument(doc skillDocument) {
	presenter.Section(fmt.Sprintf("%s (%s)", doc.Name, doc.ID))
	presenter.Info(doc.Description)
	if doc.UserPrompt != "" {
		presenter.Info("Example: " + doc.UserPrompt)
	}
	presenter.Info("Tools: " + strings.Join(doc.AllowedTools, ", "))
	for _, key := range slices.Sorted(maps.Keys(doc.Config)) {
		presenter.Info(fmt.Sprintf("Config %s: %s", key, doc.Config[key]))
	}

	binding := "none"
	if doc.Metadata.Binding != nil {
		binding = fmt.Sprintf("%s (%d)", doc.Metadata.Binding.DisplayName, doc.Metadata.Binding.KeyCode)
	}
	presenter.Info(fmt.Sprintf("Icon: %s  Color: %s  Key: %s", doc.Metadata.Icon, doc.Metadata.Color, binding))
	for _, missing := range doc.Unresolved {
		presenter.Warning(fmt.Sprintf("placeholder {{%s}} has no value and will be left as is", missing))
	}

	presenter.Separator()
	fmt.Println(doc.Prompt)
}

func registerCreateFlags(cmd *cobra.Command) {
	cmd.Flags().String("id", "", "Skill id (defaults to a slug of the name)")
	cmd.Flags().String("name", "", "Skill name")
	cmd.Flags().String("description", "", "Short description of the skill")
	cmd.Flags().String("user-prompt", "", "Example utterance shown to users")
	cmd.Flags().String("prompt", "", "Instruction template")
	cmd.Flags().String("prompt-file", "", "Read the instruction template from this file")
	cmd.Flags().StringSlice("tool", nil, "Tool the skill may call (repeatable)")
	cmd.Flags().StringToString("config", nil, "Config value for {{config.*}} placeholders, as key=value")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("description")
}

// definitionFromFlags builds a definition from the create command's flags.
func definitionFromFlags(cmd *cobra.Command) (*skills.Definition, error) {
	flags := cmd.Flags()
	id, _ := flags.GetString("id")
	name, _ := flags.GetString("name")
	description, _ := flags.GetString("description")
	userPrompt, _ := flags.GetString("user-prompt")
	prompt, _ := flags.GetString("prompt")
	promptFile, _ := flags.GetString("prompt-file")
	tools, _ := flags.GetStringSlice("tool")
	config, _ := flags.GetStringToString("config")

	if promptFile != "" {
		if prompt != "" {
			return nil, errors.New("--prompt and --prompt-file are mutually exclusive")
		}
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read prompt file")
		}
		prompt = string(data)
	}

	return &skills.Definition{
		ID:                   id,
		Name:                 name,
		Description:          description,
		UserPrompt:           userPrompt,
		SystemPromptTemplate: strings.TrimSpace(prompt),
		AllowedTools:         tools,
		Config:               config,
	}, nil
}

func confirmed(answer string) bool {
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
