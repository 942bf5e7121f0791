// Marlowc compiles bytecode units into SSA graphs.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/marlowvm/marlow/bytecode"
	"github.com/marlowvm/marlow/compile"
	"github.com/marlowvm/marlow/graph"
	"github.com/marlowvm/marlow/options"
	"github.com/marlowvm/marlow/profile"
)

func main() {
	configPath := flag.String("config", "marlow.toml", "Compiler options file")
	outDir := flag.String("o", "", "Directory for serialized graphs (one .graph file per method)")
	dump := flag.Bool("dump", false, "Print each compiled graph as text")
	profileDB := flag.String("profile-db", "", "Sqlite profile store (overrides the config file)")
	verbosity := flag.Int("v", 0, "Log verbosity")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: marlowc [options] unit.mbc...\n\n")
		fmt.Fprintf(os.Stderr, "Compiles every method of the given bytecode units to SSA graphs.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  marlowc -dump unit.mbc          # Compile and print graphs\n")
		fmt.Fprintf(os.Stderr, "  marlowc -o out/ unit.mbc        # Write out/<method>.graph files\n")
		fmt.Fprintf(os.Stderr, "  marlowc -profile-db prof.db unit.mbc\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	opts, err := options.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *profileDB != "" {
		opts.ProfileDB = *profileDB
	}

	var store *profile.Store
	if opts.ProfileDB != "" {
		store, err = profile.OpenStore(opts.ProfileDB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening profile store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	failed := 0
	for _, path := range flag.Args() {
		unit, err := bytecode.ReadUnitFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		pool := unit.Pool()
		for _, method := range unit.Methods {
			prof := methodProfile(store, method.Name)
			g, err := compile.Build(method, pool, prof, opts)
			if err != nil {
				var bo *compile.Bailout
				if errors.As(err, &bo) {
					fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
					failed++
					continue
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if *dump {
				fmt.Print(g.String())
			}
			if *outDir != "" {
				if err := writeGraph(*outDir, method.Name, g); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
			}
		}
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d methods bailed out\n", failed)
		os.Exit(1)
	}
}

func methodProfile(store *profile.Store, method string) profile.Provider {
	if store == nil {
		return nil
	}
	flat, err := store.Load(method)
	if err != nil {
		if !errors.Is(err, profile.ErrNoProfile) {
			fmt.Fprintf(os.Stderr, "Warning: profile for %s: %v\n", method, err)
		}
		return nil
	}
	return flat
}

func writeGraph(dir, name string, g *graph.Graph) error {
	data, err := graph.MarshalGraph(g)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name+".graph"), data, 0o644)
}
