/*
 * Copyright 2019 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/chzyer/readline"
	"github.com/sirupsen/logrus"

	"github.com/CovenantSQL/litepool/engine"
	"github.com/CovenantSQL/litepool/utils"
	"github.com/CovenantSQL/litepool/utils/log"
)

const name = "litepool"

var (
	version     = "unknown"
	dataDir     string
	readers     int
	logLevel    string
	showVersion bool
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".close"),
	readline.PcItem(".tables"),
	readline.PcItem(".load"),
	readline.PcItem(".watch",
		readline.PcItem("on"),
		readline.PcItem("off"),
	),
	readline.PcItem(".bench"),
	readline.PcItem(".exit"),
	readline.PcItem("SELECT"),
	readline.PcItem("INSERT", readline.PcItem("INTO")),
	readline.PcItem("UPDATE"),
	readline.PcItem("DELETE", readline.PcItem("FROM")),
	readline.PcItem("CREATE",
		readline.PcItem("TABLE"),
		readline.PcItem("INDEX"),
	),
	readline.PcItem("PRAGMA"),
)

func init() {
	flag.StringVar(&dataDir, "dir", "~/.litepool/data", "Directory holding database files")
	flag.IntVar(&readers, "readers", 4, "Read connections per database")
	flag.StringVar(&logLevel, "log-level", "warning", "Log level")
	flag.BoolVar(&showVersion, "version", false, "Show version information and exit")
}

func main() {
	flag.Parse()
	if showVersion {
		fmt.Printf("%v %v %v %v %v\n",
			name, version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		os.Exit(0)
	}
	log.SetStringLevel(logLevel, logrus.WarnLevel)

	dir := utils.HomeDirExpand(dataDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating data dir: %s\n", err)
		os.Exit(1)
	}

	sh := newShell(engine.NewPool(), dir, readers, os.Stdout)
	defer sh.close()

	if flag.NArg() > 0 {
		if _, err := sh.run(".open " + flag.Arg(0)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          sh.prompt(),
		HistoryFile:     filepath.Join(os.TempDir(), ".litepool_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("%s %s, type .help for usage\n", name, version)

	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			break
		}

		quit, err := sh.run(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		if quit {
			break
		}
		rl.SetPrompt(sh.prompt())
	}
}
