package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	cfgKeyFormat  = "format"
	cfgKeyTimeout = "timeout"
)

type app struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	a.v.SetEnvPrefix("estore")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	a.v.SetDefault(cfgKeyFormat, formatText)
	a.v.SetDefault(cfgKeyTimeout, 10*time.Second)

	root := &cobra.Command{
		Use:   "estore",
		Short: "Inspect estore database files",
		Long: `estore reports the stores, indices and class catalogs of an estore
database file. The file is opened read-only; values are not decoded, since
that needs the bindings of the application that wrote them.

Flags can also be set through ESTORE_<FLAG> environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			switch f := a.format(); f {
			case formatText, formatJSON, formatYAML:
				return nil
			default:
				return fmt.Errorf("invalid format %q, expected text, json or yaml", f)
			}
		},
	}
	root.PersistentFlags().String(cfgKeyFormat, formatText, "output format: text, json or yaml")
	root.PersistentFlags().Duration(cfgKeyTimeout, 10*time.Second, "give up opening the file after this long")

	root.AddCommand(a.newStatsCmd())
	root.AddCommand(a.newCatalogCmd())
	return root
}

func (a *app) format() string {
	return a.v.GetString(cfgKeyFormat)
}

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.v.GetDuration(cfgKeyTimeout))
}
