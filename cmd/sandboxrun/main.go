// Command sandboxrun loads a manifest description and a serialized
// policy tree from disk, runs one pip to completion, and writes the
// serialized result alongside a human-readable summary on stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sandboxreport/sandboxcore/policy"
	"github.com/sandboxreport/sandboxcore/result"
	"github.com/sandboxreport/sandboxcore/sandbox"
	"github.com/sandboxreport/sandboxcore/sbconfig"
	"github.com/sandboxreport/sandboxcore/sblog"
	"github.com/sandboxreport/sandboxcore/version"
)

var (
	manifestPath = flag.String("manifest", "", "path to a gcfg-formatted manifest description")
	policyPath   = flag.String("policy", "", "path to a serialized policy.Manifest")
	resultPath   = flag.String("result", "", "path to write the serialized result (default: stdout)")
	verbose      = flag.Bool("v", false, "log decode/aggregate detail to stderr")
	showVersion  = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		version.PrintVersion(os.Stdout)
		return
	}
	if *manifestPath == "" || *policyPath == "" {
		log.Fatal("sandboxrun: -manifest and -policy are required")
	}

	policyBytes, err := os.ReadFile(*policyPath)
	if err != nil {
		log.Fatalf("sandboxrun: failed to read policy file: %v", err)
	}
	manifest, err := policy.Deserialize(policyBytes)
	if err != nil {
		log.Fatalf("sandboxrun: failed to deserialize policy: %v", err)
	}

	info, err := sbconfig.LoadManifestFile(*manifestPath, manifest)
	if err != nil {
		log.Fatalf("sandboxrun: failed to load manifest: %v", err)
	}

	logger := sblog.Discard()
	if *verbose {
		logger = sblog.New(os.Stderr)
	}

	ctrl := sandbox.New(info, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, runErr := ctrl.Run(ctx)
	if res == nil {
		log.Fatalf("sandboxrun: run failed before a result could be assembled: %v", runErr)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "sandboxrun: run failure: %v\n", runErr)
	}

	out, err := writeResult(res, *resultPath)
	if err != nil {
		log.Fatalf("sandboxrun: failed to write result: %v", err)
	}
	fmt.Fprintf(os.Stderr, "sandboxrun: exit=%d killed=%v timedOut=%v accesses=%d -> %s\n",
		res.ExitCode, res.Killed, res.TimedOut, len(res.FileAccesses), out)

	if runErr != nil {
		os.Exit(1)
	}
	os.Exit(int(res.ExitCode))
}

func writeResult(res *result.SandboxedProcessResult, path string) (string, error) {
	b, err := result.Serialize(res)
	if err != nil {
		return "", err
	}
	if path == "" {
		_, err = os.Stdout.Write(b)
		return "<stdout>", err
	}
	return path, os.WriteFile(path, b, 0o644)
}
