package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/geodatastore/clms/core/infra/buildinfo"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "ids":
		runIDsCmd(args)
	case "preload":
		os.Exit(runPreloadCmd(args))
	case "status":
		runStatusCmd(args)
	case "serve":
		os.Exit(runServeCmd(args))
	case "version":
		fmt.Println(buildinfo.Info())
	default:
		usage()
		os.Exit(1)
	}
}

type flagSet struct {
	*flag.FlagSet
	config      *string
	credentials *string
}

func newFlagSet(name string) *flagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfgPath := fs.String("config", envOr("CLMS_PRELOAD_CONFIG_PATH", ""), "preload config yaml")
	creds := fs.String("credentials", envOr("CLMS_CREDENTIALS_PATH", ""), "CLMS service key json")
	return &flagSet{FlagSet: fs, config: cfgPath, credentials: creds}
}

func (fs *flagSet) ParseArgs(args []string) {
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
}

// readIDs merges positional ids with one id per line from file; blank lines
// and lines starting with # are skipped.
func readIDs(args []string, file string) ([]string, error) {
	ids := make([]string, 0, len(args))
	for _, a := range args {
		if a = strings.TrimSpace(a); a != "" {
			ids = append(ids, a)
		}
	}
	if file == "" {
		return ids, nil
	}
	// #nosec G304 -- CLI explicitly reads local files provided by the operator.
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	return ids, sc.Err()
}

func printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	check(err)
	fmt.Println(string(data))
}

func usage() {
	fmt.Print(`clmsctl - CLMS preload CLI

Usage:
  clmsctl ids [--product <product_id>]
  clmsctl preload [--async] [--ids-file ids.txt] <data_id>...
  clmsctl status [--recent N] [<data_id>...]
  clmsctl serve [--addr :8080] [--linger 0s] [--ids-file ids.txt] <data_id>...
  clmsctl version

Global flags:
  --config        Preload config yaml (default from CLMS_PRELOAD_CONFIG_PATH)
  --credentials   CLMS service key json (default from CLMS_CREDENTIALS_PATH)
`)
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func check(err error) {
	if err != nil {
		fail(err.Error())
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
