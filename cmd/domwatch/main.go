package main

import "github.com/jsherman999/domwatch/internal/cli"

func main() { cli.Main() }
