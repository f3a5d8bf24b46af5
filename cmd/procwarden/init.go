package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/procwarden/pkg/template"
)

// InitFlags holds flags for the init command
type InitFlags struct {
	Type     string
	Name     string
	BasePath string
	Output   string
	Force    bool
}

func createInitCommand() *cobra.Command {
	f := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter procwarden.toml",
		Long: `Generate a starter configuration with one task of the given type.

Types: ` + strings.Join(template.SupportedTypes(), ", ") + `

Examples:
  procwarden init --type=batch --name=etl > procwarden.toml
  procwarden init --type=worker --name=queue --output=/etc/procwarden.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := template.NewGenerator(f.BasePath).GenerateTOML(template.TemplateType(f.Type), f.Name)
			if err != nil {
				return err
			}
			if f.Output == "" {
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			if _, err := os.Stat(f.Output); err == nil && !f.Force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", f.Output)
			}
			if err := os.MkdirAll(filepath.Dir(f.Output), 0o750); err != nil {
				return err
			}
			if err := os.WriteFile(f.Output, b, 0o600); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", f.Output)
			return err
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", string(template.TypeSimple), "task template type")
	cmd.Flags().StringVar(&f.Name, "name", "task", "task name")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "task base directory (default /var/lib/procwarden/tasks)")
	cmd.Flags().StringVar(&f.Output, "output", "", "write to this file instead of stdout")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing output file")
	return cmd
}
