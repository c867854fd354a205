package main

import (
	"context"
	"fmt"
	"os"
	"reflect"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/gcbar/compiler/comp"
	"github.com/slowlang/gcbar/compiler/config"
	"github.com/slowlang/gcbar/compiler/format"
	"github.com/slowlang/gcbar/compiler/scenario"
)

func main() {
	listCmd := &cli.Command{
		Name:        "list",
		Description: "list scenarios and collector phases",
		Action:      listAct,
	}

	dumpCmd := &cli.Command{
		Name:        "dump",
		Description: "print scenario graphs after every compilation phase",
		Action:      dumpAct,
		Args:        cli.Args{},
	}

	runCmd := &cli.Command{
		Name:        "run",
		Description: "compile scenarios and run them with abstract and expanded barriers",
		Action:      runAct,
		Args:        cli.Args{},
		Flags: []*cli.Flag{
			cli.NewFlag("phase", "", "collector phase (all if empty)"),
			cli.NewFlag("iters", 4, "loop iterations"),
		},
	}

	app := &cli.Command{
		Name:        "gcbar",
		Description: "gcbar compiles canned methods through gc barrier insertion and expansion",
		Flags: []*cli.Flag{
			cli.NewFlag("config,c", "", "yaml config file"),
			cli.NewFlag("opts,o", "", "extra options: key=value ..."),
			cli.NewFlag("verbosity,v", "", "tlog verbosity topics"),
			cli.HelpFlag,
		},
		Commands: []*cli.Command{
			listCmd,
			dumpCmd,
			runCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func loadConfig(c *cli.Command) (cfg *config.Config, err error) {
	tlog.SetVerbosity(c.String("verbosity"))

	cfg = config.Default()

	if name := c.String("config"); name != "" {
		cfg, err = config.Load(name)
		if err != nil {
			return nil, errors.Wrap(err, "load config")
		}
	}

	err = cfg.FromEnv(config.OptsEnv)
	if err != nil {
		return nil, errors.Wrap(err, "%v", config.OptsEnv)
	}

	err = cfg.ApplyOpts(c.String("opts"))
	if err != nil {
		return nil, errors.Wrap(err, "opts")
	}

	return cfg, nil
}

func scenarios(c *cli.Command) ([]*scenario.Scenario, error) {
	if len(c.Args) == 0 {
		return scenario.All, nil
	}

	var r []*scenario.Scenario

	for _, a := range c.Args {
		s := scenario.Find(a)
		if s == nil {
			return nil, errors.New("unknown scenario: %v", a)
		}

		r = append(r, s)
	}

	return r, nil
}

func listAct(c *cli.Command) error {
	for _, s := range scenario.All {
		fmt.Printf("%-16s %s\n", s.Name, s.Description)
	}

	fmt.Printf("\nphases:")

	for _, p := range scenario.Phases {
		fmt.Printf(" %s", p.Name)
	}

	fmt.Printf("\n")

	return nil
}

func dumpAct(c *cli.Command) (err error) {
	ctx := tlog.ContextWithSpan(context.Background(), tlog.Root())

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	list, err := scenarios(c)
	if err != nil {
		return err
	}

	var b []byte

	for _, s := range list {
		u, _, err := scenario.Compile(ctx, s, cfg)
		if err != nil {
			return err
		}

		b = fmt.Appendf(b[:0], "// %v after %v\n", s.Name, comp.PhaseOptimize)
		b = format.Graph(b, u.G)

		for _, p := range []comp.Phase{comp.PhaseExpandBarriers, comp.PhasePostExpansion} {
			err = u.Run(ctx, p)
			if err != nil {
				return errors.Wrap(err, "%v", s.Name)
			}

			b = fmt.Appendf(b, "\n// %v after %v\n", s.Name, p)
			b = format.Graph(b, u.G)
		}

		b = append(b, '\n')

		_, err = os.Stdout.Write(b)
		if err != nil {
			return errors.Wrap(err, "write")
		}
	}

	return nil
}

func runAct(c *cli.Command) (err error) {
	ctx := tlog.ContextWithSpan(context.Background(), tlog.Root())

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	list, err := scenarios(c)
	if err != nil {
		return err
	}

	phases := scenario.Phases

	if name := c.String("phase"); name != "" {
		p, ok := scenario.FindPhase(name)
		if !ok {
			return errors.New("unknown phase: %v", name)
		}

		phases = []scenario.Phase{p}
	}

	iters := c.Int("iters")

	var mismatch int

	for _, s := range list {
		u, abstract, err := scenario.Compile(ctx, s, cfg)
		if err != nil {
			return err
		}

		err = u.Compile(ctx)
		if err != nil {
			return errors.Wrap(err, "compile %v", s.Name)
		}

		st := u.Policy.Stats()

		fmt.Printf("%-16s inserted %d eliminated %d expanded %d\n", s.Name, st.Inserted, st.Eliminated, st.Expanded)

		for _, p := range phases {
			want, _, err := scenario.Execute(ctx, s, abstract, cfg.Layout, p, iters)
			if err != nil {
				return errors.Wrap(err, "abstract")
			}

			got, m, err := scenario.Execute(ctx, s, u.G, cfg.Layout, p, iters)
			if err != nil {
				return errors.Wrap(err, "expanded")
			}

			res := "ok"

			if !reflect.DeepEqual(want, got) {
				res = "MISMATCH"
				mismatch++

				tlog.Printw("mismatch", "scenario", s.Name, "phase", p.Name, "abstract", want, "expanded", got)
			}

			taken := m.ExpandedTaken()

			fmt.Printf("  %-12s %-8s result %d logged %d cards %d slow %d/%d calls %v\n",
				p.Name, res, got.Result, len(got.Logged), len(got.Cards), taken[1], taken[0]+taken[1], m.RT.Calls)
		}
	}

	if mismatch != 0 {
		return errors.New("%d mismatches", mismatch)
	}

	return nil
}
