package main

import "github.com/jsherman999/logtail/internal/daemon"

func main() { daemon.Main() }
