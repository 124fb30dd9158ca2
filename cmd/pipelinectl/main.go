package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"judgepipe/internal/cli/command"
	"judgepipe/internal/cli/config"
	httpclient "judgepipe/internal/cli/http"
	"judgepipe/internal/cli/repl"
)

const defaultConfigPath = "configs/cli.yaml"

// Without arguments pipelinectl starts a REPL; otherwise the arguments are run as one command:
//
//	pipelinectl retest problem id=42
func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	baseURL := flag.String("base", "", "Override base URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 10s)")
	pretty := flag.Bool("pretty", false, "Pretty print JSON response")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}

	client := httpclient.New(cfg.BaseURL, cfg.Timeout)
	session := repl.New(client, command.Registry(), cfg.PrettyJSON != nil && *cfg.PrettyJSON, os.Stdin, os.Stdout)

	if flag.NArg() == 0 {
		session.Run(context.Background())
		return
	}
	if err := session.Exec(context.Background(), joinArgs(flag.Args())); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// joinArgs quotes args so the REPL tokenizer splits them back the same way.
func joinArgs(args []string) string {
	quoted := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case arg != "" && !strings.ContainsAny(arg, " \t\n'\"\\#"):
			quoted = append(quoted, arg)
		case !strings.Contains(arg, "'"):
			quoted = append(quoted, "'"+arg+"'")
		default:
			escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(arg)
			quoted = append(quoted, `"`+escaped+`"`)
		}
	}
	return strings.Join(quoted, " ")
}
