package main

import "github.com/jsherman999/logtail/internal/cli"

func main() { cli.Main() }
