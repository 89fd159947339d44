// Command pine is the companion tool for pinenut log archives: it generates
// key pairs, parses archives to text, and extracts time ranges from a log
// directory.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/pinenut-log/pinenut"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "gen-keys":
		genKeys()
	case "parse":
		parse(os.Args[2:])
	case "extract":
		extract(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fail("unknown command %q", os.Args[1])
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  pine gen-keys
  pine parse <input> --output <file> [--secret-key <base64>]
  pine extract <dir> --identifier <id> --start <unix> --end <unix> --output <file>
`)
	os.Exit(2)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "pine: "+format+"\n", args...)
	os.Exit(1)
}

func genKeys() {
	secret, public, err := pinenut.GenerateKeyPair()
	if err != nil {
		fail("%v", err)
	}
	fmt.Printf("secret key: %s\npublic key: %s\n", secret, public)
}

func parse(args []string) {
	fs := flag.NewFlagSet("parse", flag.ExitOnError)
	output := fs.String("output", "", "destination text file")
	secretKey := fs.String("secret-key", "", "base64 secret key for encrypted archives")
	input, rest := splitPositional(args)
	fs.Parse(rest)
	if input == "" || *output == "" {
		usage()
	}

	var secret []byte
	if *secretKey != "" {
		var err error
		secret, err = base64.StdEncoding.DecodeString(*secretKey)
		if err != nil {
			fail("invalid secret key: %v", err)
		}
	}
	if err := pinenut.ParseToFile(input, *output, secret, pinenut.DefaultFormatter{}); err != nil {
		fail("%v", err)
	}
}

func extract(args []string) {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	identifier := fs.String("identifier", "", "log stream identifier")
	start := fs.Int64("start", 0, "range start, unix seconds (inclusive)")
	end := fs.Int64("end", 0, "range end, unix seconds (inclusive)")
	output := fs.String("output", "", "destination file")
	dir, rest := splitPositional(args)
	fs.Parse(rest)
	if dir == "" || *identifier == "" || *output == "" {
		usage()
	}

	d := pinenut.Domain{Identifier: *identifier, Dir: dir}
	if err := pinenut.Extract(d, *start, *end, *output); err != nil {
		fail("%v", err)
	}
}

// splitPositional peels one leading positional argument off args, leaving
// the flags for the flag set.
func splitPositional(args []string) (pos string, rest []string) {
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		return args[0], args[1:]
	}
	return "", args
}
