package main

import "fmt"

// hostArgs holds the parsed command-line flags for ptyhostd.
type hostArgs struct {
	configPath string
	pipeName   string
	wsAddr     string
	logLevel   string
}

func defaultHostArgs() hostArgs {
	return hostArgs{logLevel: "info"}
}

// parseArgs parses ptyhostd's flat --flag value arguments. It avoids a CLI
// framework: there are only four flags and no subcommands, so a small loop
// over args mirrors the flag grammar the rest of this codebase uses for its
// own command-line tools.
func parseArgs(args []string) (hostArgs, error) {
	out := defaultHostArgs()

	i := 0
	for i < len(args) {
		arg := args[i]
		switch arg {
		case "--config":
			v, next, err := requireValue(args, i)
			if err != nil {
				return hostArgs{}, err
			}
			out.configPath = v
			i = next
		case "--pipe":
			v, next, err := requireValue(args, i)
			if err != nil {
				return hostArgs{}, err
			}
			out.pipeName = v
			i = next
		case "--ws-addr":
			v, next, err := requireValue(args, i)
			if err != nil {
				return hostArgs{}, err
			}
			out.wsAddr = v
			i = next
		case "--log-level":
			v, next, err := requireValue(args, i)
			if err != nil {
				return hostArgs{}, err
			}
			out.logLevel = v
			i = next
		default:
			return hostArgs{}, fmt.Errorf("unknown flag %q", arg)
		}
	}
	return out, nil
}

func requireValue(args []string, i int) (string, int, error) {
	if i+1 >= len(args) {
		return "", i, fmt.Errorf("flag %s requires a value", args[i])
	}
	return args[i+1], i + 2, nil
}
