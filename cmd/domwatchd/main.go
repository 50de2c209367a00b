package main

import "github.com/jsherman999/domwatch/internal/daemon"

func main() { daemon.Main() }
