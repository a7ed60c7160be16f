package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"medlabel/internal/services"
)

const usage = `Usage: medlabel-cli [global flags] start|stop [command flags]

Global flags:
  -transport  grpc or http (default grpc)
  -addr       server address (default localhost:50051 for grpc, http://localhost:8080 for http)
  -token      bearer token for the HTTP API
  -timeout    request timeout in seconds (default 30)
  -debug      print HTTP requests and responses

start flags: -name -source -endpoint [-orientation -rotation -processor -model]
stop flags:  -name (comma separated names stop several channels)
`

func main() {
	var (
		transportF = flag.String("transport", "grpc", "Transport (grpc|http)")
		addrF      = flag.String("addr", "", "Server address")
		tokenF     = flag.String("token", "", "Bearer token for the HTTP API")
		timeoutF   = flag.Int("timeout", 30, "Maximum number of seconds to wait for response")
		debugF     = flag.Bool("debug", false, "Print debug details")
	)
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	req, err := parseDirectives(flag.Arg(0), flag.Args()[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutF)*time.Second)
	defer cancel()

	var resp *services.ExecuteResponse
	switch *transportF {
	case "grpc":
		addr := *addrF
		if addr == "" {
			addr = "localhost:50051"
		}
		resp, err = doGRPC(ctx, addr, req)
	case "http":
		addr := *addrF
		if addr == "" {
			addr = "http://localhost:8080"
		}
		resp, err = doHTTP(ctx, addr, *tokenF, *debugF, req)
	default:
		fmt.Fprintf(os.Stderr, "invalid transport %q (valid values: grpc|http)\n", *transportF)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	m, _ := json.MarshalIndent(resp, "", "    ")
	fmt.Println(string(m))
	if !resp.Success {
		os.Exit(1)
	}
}

// parseDirectives builds the request for a start or stop subcommand
func parseDirectives(command string, args []string) (*services.ExecuteRequest, error) {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	var (
		name        = fs.String("name", "", "Channel name")
		source      = fs.String("source", "", "Stream URL or video file")
		endpoint    = fs.String("endpoint", "", "Webhook URL")
		orientation = fs.String("orientation", "", "PORTRAIT or LANDSCAPE")
		rotation    = fs.String("rotation", "", "NONE, ROTATE_90_CLOCKWISE, ROTATE_180 or ROTATE_90_COUNTERCLOCKWISE")
		processor   = fs.String("processor", "", "ANY, CPU or GPU")
		model       = fs.String("model", "", "Model id")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *name == "" {
		return nil, fmt.Errorf("-name is required")
	}

	req := &services.ExecuteRequest{}
	switch strings.ToLower(command) {
	case "start":
		req.Commands = append(req.Commands, &services.Directive{
			Command:          services.CommandStart,
			Name:             *name,
			InputURL:         *source,
			CallbackURL:      *endpoint,
			FrameOrientation: *orientation,
			Rotation:         *rotation,
			ProcessorType:    *processor,
			ModelName:        *model,
		})
	case "stop":
		for _, n := range strings.Split(*name, ",") {
			if n = strings.TrimSpace(n); n != "" {
				req.Commands = append(req.Commands, &services.Directive{Command: services.CommandStop, Name: n})
			}
		}
	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
	return req, nil
}
