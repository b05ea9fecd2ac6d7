// cmd/flashvar/main.go
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/synthread/go-flashstore/config"
)

const usage = `usage: flashvar [-v] <config.yaml> <command> [args]

commands:
  list               show every declared variable and its state
  read <name>        print the stored payload as hex
  write <name> <hex> store a payload
  erase <name>       erase a variable so it reads as never written
  id                 print the target chip id (monitor devices only)`

func main() {
	verbose := flag.Bool("v", false, "log every flash operation")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if flag.NArg() < 2 {
		logrus.Fatal(usage)
	}

	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(flag.Arg(0))
	if err != nil {
		logrus.Fatalf("config load failed: %v", err)
	}

	if err := config.Validate(cfg); err != nil {
		logrus.Fatalf("config validation failed: %v", err)
	}

	// --------------------
	// Run one command against the device
	// --------------------

	if err := run(cfg, flag.Arg(1), flag.Args()[2:], os.Stdout); err != nil {
		logrus.Fatalf("%s failed: %v", flag.Arg(1), err)
	}
}
