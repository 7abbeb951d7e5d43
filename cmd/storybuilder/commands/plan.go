package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/plan"
	"git.home.luguber.info/inful/storybuilder/internal/story"
)

// PlanCmd implements the 'plan' command.
type PlanCmd struct {
	Story  string `arg:"" help:"Story identifier"`
	Format string `short:"f" help:"Output format" enum:"yaml,json" default:"yaml"`
	Write  bool   `short:"w" help:"Save a generated plan to the plans directory"`
	Force  bool   `help:"Regenerate even when a plan artifact exists"`
}

func (p *PlanCmd) Run(_ *Global, root *CLI) error {
	cfg, err := loadConfig(root.Config)
	if err != nil {
		return err
	}

	pl, err := resolvePlan(cfg.Paths.Stories, cfg.Paths.Plans, p.Story, p.Force)
	if err != nil {
		return err
	}
	if p.Write && pl.Source == plan.SourceGenerated {
		path := plan.Path(cfg.Paths.Plans, p.Story)
		if err := plan.Save(path, pl); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Plan written to %s\n", path)
	}
	return printPlan(os.Stdout, pl, p.Format)
}

func resolvePlan(storiesDir, plansDir, storyID string, force bool) (*plan.Plan, error) {
	if !force {
		if path, ok := plan.Find(plansDir, storyID); ok {
			pl, err := plan.Load(path)
			if err != nil {
				return nil, err
			}
			pl.Source = plan.SourceExisting
			return pl, nil
		}
	}
	path, err := story.Locate(storiesDir, storyID)
	if err != nil {
		return nil, err
	}
	s, err := story.Load(storyID, path)
	if err != nil {
		return nil, err
	}
	return plan.Synthesize(s)
}

func printPlan(w io.Writer, pl *plan.Plan, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(pl)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(pl); err != nil {
		return errors.WrapError(err, errors.CategoryInternal, "failed to encode plan").Build()
	}
	return enc.Close()
}
