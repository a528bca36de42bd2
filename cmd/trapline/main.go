package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"trapline/pkg/journal"
	"trapline/pkg/x64"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: trapline [flags] <command> [args]

commands:
  decode <hex>   decode one instruction
  journal        list unresolved instructions recorded in the journal
  demo           run faults and an interrupt through the handlers

flags:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config-path", "", "Path to a JSON configuration file")
	journalPath := flag.String("journal-path", "", "Path to the fault journal (overrides the config)")
	logLevel := flag.String("log-level", "", "Log level (overrides the config)")
	flag.Usage = usage
	flag.Parse()

	config, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *journalPath != "" {
		config.JournalPath = *journalPath
	}
	if *logLevel != "" {
		config.LogLevel = *logLevel
	}
	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level %q: %v", config.LogLevel, err)
	}
	log.SetLevel(level)

	switch flag.Arg(0) {
	case "decode":
		if flag.NArg() < 2 {
			log.Fatal("Error: decode needs instruction bytes in hex")
		}
		err = runDecode(strings.Join(flag.Args()[1:], ""))
	case "journal":
		err = runJournal(config)
	case "demo":
		err = runDemo(config)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func runDecode(text string) error {
	code, err := hex.DecodeString(strings.ReplaceAll(text, " ", ""))
	if err != nil {
		return fmt.Errorf("failed to decode hex: %w", err)
	}
	in, err := x64.Decode(code)
	fmt.Printf("bytes:  % x\n", code)
	fmt.Printf("asm:    %s\n", x64.Disassemble(code))
	if ref := x64.ReferenceLength(code); ref > 0 {
		fmt.Printf("length: %d (reference %d)\n", in.Length, ref)
	}
	if err != nil {
		fmt.Printf("op:     none (%v)\n", err)
		return nil
	}
	fmt.Printf("op:     %s\n", in)
	return nil
}

func runJournal(config Config) error {
	if config.JournalPath == "" {
		return fmt.Errorf("no journal path configured")
	}
	j, err := journal.Open(config.JournalPath, journal.Options{})
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.Entries()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("journal is empty")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %6d  %-24s %-32s %s (first seen %s)\n",
			e.Key[:12], e.Count, e.Bytes, e.Disasm, e.Reason, e.FirstSeen.Format("2006-01-02 15:04:05"))
	}
	return nil
}
