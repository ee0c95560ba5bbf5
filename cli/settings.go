package cli

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"go.orion.dev/depth/disparity/sgbm"
)

func settingsPath(c *cli.Context) string {
	if c.NArg() > 0 {
		return c.Args().First()
	}
	return defaultSettings
}

// SettingsInitAction writes the default classical matcher settings.
func SettingsInitAction(c *cli.Context) error {
	path := settingsPath(c)
	if err := sgbm.SaveParams(path, sgbm.DefaultParams()); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Settings saved to %s\n", path)
	return nil
}

// SettingsCheckAction loads a settings file, rejecting anything missing, unknown or invalid.
func SettingsCheckAction(c *cli.Context) error {
	p, err := sgbm.LoadParams(settingsPath(c))
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(p, "", "    ")
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\n", out)
	fmt.Fprintf(c.App.Writer, "mode %s, penalties %d and %d\n", p.Mode, p.P1, p.P2)
	return nil
}
